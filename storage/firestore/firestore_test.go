package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/iterator"

	"github.com/mihaimyh/usagemeter/pkg/usagemeter"
	"github.com/mihaimyh/usagemeter/storage/storagetest"
)

const testProjectID = "test-project"

// setupFirestoreClient connects to the emulator named by FIRESTORE_EMULATOR_HOST
func setupFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	client, err := firestore.NewClient(context.Background(), testProjectID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// testConfig returns collection names unique to one test run
func testConfig(name string) Config {
	suffix := fmt.Sprintf("%s_%d", name, time.Now().UnixNano())
	return Config{
		QuotasCollection:       "test_quotas_" + suffix,
		ActivityCollection:     "test_activity_" + suffix,
		WindowsCollection:      "test_windows_" + suffix,
		EntitlementsCollection: "test_ent_" + suffix,
	}
}

func cleanupFirestore(t *testing.T, client *firestore.Client, config Config) {
	t.Helper()
	ctx := context.Background()

	for _, coll := range []string{config.QuotasCollection, config.ActivityCollection,
		config.WindowsCollection, config.EntitlementsCollection} {
		iter := client.Collection(coll).Documents(ctx)
		bw := client.BulkWriter(ctx)
		for {
			doc, err := iter.Next()
			if errors.Is(err, iterator.Done) || err != nil {
				break
			}
			_, _ = bw.Delete(doc.Ref)
		}
		bw.End()
		iter.Stop()
	}
}

func newTestStorage(t *testing.T, client *firestore.Client) *Storage {
	t.Helper()
	config := testConfig(t.Name())
	s, err := New(client, config)
	require.NoError(t, err)
	t.Cleanup(func() { cleanupFirestore(t, client, config) })
	return s
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func TestNew_Defaults(t *testing.T) {
	s, err := New(&firestore.Client{}, Config{})
	require.NoError(t, err)
	assert.Equal(t, "usagemeter_quotas", s.quotasCollection)
	assert.Equal(t, "usagemeter_activity", s.activityCollection)
	assert.Equal(t, "usagemeter_activity_windows", s.windowsCollection)
	assert.Equal(t, "usagemeter_entitlements", s.entitlementsCollection)
}

func TestDocID(t *testing.T) {
	assert.Equal(t, "user1_scan", docID("user1", "scan"))
	assert.Equal(t, "user1_|v1|search", docID("user1", "/v1/search"))
}

func TestRecordData_RoundTrip(t *testing.T) {
	until := storagetest.Base.Add(24 * time.Hour)
	rec := storagetest.Seed("user1", usagemeter.LimitTypeScan, 3)
	rec.CurrentUsage = 2
	rec.IsBlocked = true
	rec.BlockedUntil = &until

	data := recordData(rec)
	assert.Nil(t, data["lastViolationAt"])

	got := recordFromData(data)
	assert.Equal(t, rec.CurrentUsage, got.CurrentUsage)
	assert.Equal(t, rec.WindowDuration, got.WindowDuration)
	assert.True(t, got.IsBlocked)
	require.NotNil(t, got.BlockedUntil)
	assert.True(t, got.BlockedUntil.Equal(until))
	assert.Nil(t, got.LastViolationAt)
}

func TestFirestore_Suite(t *testing.T) {
	client := setupFirestoreClient(t)

	storagetest.Run(t, func(t *testing.T) usagemeter.Storage {
		return newTestStorage(t, client)
	})
}

func TestFirestore_Ping(t *testing.T) {
	client := setupFirestoreClient(t)
	s := newTestStorage(t, client)
	assert.NoError(t, s.Ping(context.Background()))
}

package store

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationStore(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("GCAL2CLICKUP_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set GCAL2CLICKUP_TEST_POSTGRES_DSN to run postgres integration tests")
	}
	s, err := NewSQL(DialectPostgres, dsn)
	require.NoError(t, err)
	s.tablePrefix = fmt.Sprintf("it_%d_%d_", time.Now().UnixNano(), atomic.AddUint64(&postgresIntegrationCounter, 1))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		if s.db != nil {
			for _, name := range []string{"subscriptions", "task_webhooks", "synced_items"} {
				_, _ = s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+s.table(name))
			}
		}
		_ = s.Close()
	})

	testStoreContract(t, s)
}

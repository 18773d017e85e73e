package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"google.golang.org/api/option"

	"redeemcli/internal/activation"
	"redeemcli/internal/shared/testutil"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))


func TestFileStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "history.jsonl")
	s, err := NewFileStore(path, quietLogger)
	require.NoError(t, err)

	t.Run("empty before first save", func(t *testing.T) {
		recs, err := s.List(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Save(ctx, testutil.Record(fmt.Sprint(i), i != 2)))
	}

	t.Run("newest first", func(t *testing.T) {
		recs, err := s.List(ctx, 0)
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.Equal(t, "3", recs[0].ID)
		assert.Equal(t, "1", recs[2].ID)
		assert.False(t, recs[1].Success)
	})

	t.Run("limit", func(t *testing.T) {
		recs, err := s.List(ctx, 2)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "2", recs[1].ID)
	})

	t.Run("corrupt line skipped", func(t *testing.T) {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
		require.NoError(t, err)
		_, err = f.WriteString("{not json\n")
		require.NoError(t, err)
		require.NoError(t, f.Close())
		require.NoError(t, s.Save(ctx, testutil.Record("4", true)))

		recs, err := s.List(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, recs, 4)
		assert.Equal(t, "4", recs[0].ID)
	})
}

type memStore struct {
	saved []activation.ActivationRecord
	err   error
}

func (m *memStore) Save(_ context.Context, rec activation.ActivationRecord) error {
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, rec)
	return nil
}

func (m *memStore) List(_ context.Context, limit int) ([]activation.ActivationRecord, error) {
	return newestFirst(m.saved, limit), nil
}

func TestMulti(t *testing.T) {
	ctx := context.Background()

	t.Run("fans out", func(t *testing.T) {
		primary, secondary := &memStore{}, &memStore{}
		m := NewMulti(primary, quietLogger, secondary)

		require.NoError(t, m.Save(ctx, testutil.Record("1", true)))
		assert.Len(t, primary.saved, 1)
		assert.Len(t, secondary.saved, 1)

		recs, err := m.List(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	})

	t.Run("secondary failure is not fatal", func(t *testing.T) {
		primary := &memStore{}
		m := NewMulti(primary, quietLogger, &memStore{err: errors.New("sheet down")})
		assert.NoError(t, m.Save(ctx, testutil.Record("1", true)))
		assert.Len(t, primary.saved, 1)
	})

	t.Run("primary failure", func(t *testing.T) {
		secondary := &memStore{}
		m := NewMulti(&memStore{err: errors.New("disk full")}, quietLogger, secondary)
		err := m.Save(ctx, testutil.Record("1", true))
		assert.ErrorContains(t, err, "disk full")
		assert.Len(t, secondary.saved, 1)
	})
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, []activation.ActivationRecord{testutil.Record("1", true), testutil.Record("2", false)}))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(exportSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "ID", rows[0][0])
	assert.Equal(t, "1", rows[1][0])
	assert.Equal(t, "Product 2", rows[2][3])
	assert.Equal(t, "false", rows[2][6])
}

func TestSheetsStoreAppends(t *testing.T) {
	var gotPath, gotOption string
	var body struct {
		Values [][]interface{} `json:"values"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotOption = r.URL.Query().Get("valueInputOption")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	s, err := NewSheetsStore(context.Background(), "sheet123", "Activations", "",
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
		option.WithoutAuthentication())
	require.NoError(t, err)

	require.NoError(t, s.Save(context.Background(), testutil.Record("7", true)))
	assert.True(t, strings.HasPrefix(gotPath, "/v4/spreadsheets/sheet123/values/"), gotPath)
	assert.True(t, strings.HasSuffix(gotPath, ":append"), gotPath)
	assert.Equal(t, "RAW", gotOption)
	require.Len(t, body.Values, 1)
	assert.Equal(t, "7", body.Values[0][0])
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("REDEEM_TEST_REDIS_URL")
	if url == "" {
		t.Skip("REDEEM_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := Connect(ctx, url)
	require.NoError(t, err)
	defer client.Close()

	key := "redeem:test:" + time.Now().Format("150405.000000")
	defer client.Del(ctx, key)

	s := NewRedisStore(client, key, quietLogger)
	require.NoError(t, s.Save(ctx, testutil.Record("1", true)))
	require.NoError(t, s.Save(ctx, testutil.Record("2", false)))

	recs, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "2", recs[0].ID)

	recs, err = s.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

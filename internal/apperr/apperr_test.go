package apperr

import (
	"net/http"
	"testing"

	"dianping/internal/store"
	rediskit "dianping/pkg/redis"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		wantHTTP  int
		wantCode  int
		retryable bool
	}{
		{"wrapped business error", errors.Wrap(ErrOutOfStock, "voucher 1"), http.StatusBadRequest, 40003, false},
		{"duplicate request", ErrDuplicateRequest, http.StatusConflict, 40901, false},
		{"already purchased", ErrAlreadyPurchased, http.StatusBadRequest, 40004, false},
		{"shop not found", ErrShopNotFound, http.StatusNotFound, 40401, false},
		{"busy", errors.Mark(errors.New("lock contention"), ErrBusy), http.StatusServiceUnavailable, 50302, true},
		{"redis down", errors.Mark(errors.New("dial tcp"), rediskit.ErrUnavailable), http.StatusServiceUnavailable, 50301, true},
		{"db down", errors.Mark(errors.New("disk I/O error"), store.ErrUnavailable), http.StatusServiceUnavailable, 50301, true},
		{"unknown", errors.New("???"), http.StatusInternalServerError, 50000, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			st := Classify(tc.err)
			assert.Equal(t, tc.wantHTTP, st.HTTP)
			assert.Equal(t, tc.wantCode, st.Code)
			assert.Equal(t, tc.retryable, st.Retryable)
			assert.NotEmpty(t, st.Msg)
		})
	}
}

func TestClassify_CodesAreDistinct(t *testing.T) {
	seen := map[int]error{}
	for _, s := range statuses {
		prev, dup := seen[s.status.Code]
		assert.False(t, dup, "code %d shared by %v and %v", s.status.Code, prev, s.err)
		seen[s.status.Code] = s.err
	}
}

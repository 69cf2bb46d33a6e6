package apperr

import (
	"context"
	"net/http"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestKindAndReason(t *testing.T) {
	err := Unavailable(model.ReasonNoAvailableHost, "no host for %s", "doom-eternal")
	assert.Equal(t, KindResourceUnavailable, KindOf(err))
	assert.Equal(t, model.ReasonNoAvailableHost, ReasonOf(err, model.ReasonInternal))
	assert.True(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "doom-eternal")

	// 外层包装不影响分类
	wrapped := errors.Wrap(err, "start session")
	assert.Equal(t, KindResourceUnavailable, KindOf(wrapped))

	cause := errors.New("connection refused")
	err = Wrap(cause, KindNetwork, model.ReasonPairingUnreachable, "pair host %s", "h1")
	assert.True(t, errors.Is(err, cause))
	assert.True(t, IsRetryable(err))

	assert.Nil(t, Wrap(nil, KindNetwork, model.ReasonInternal, "noop"))
}

func TestUnclassified(t *testing.T) {
	assert.Equal(t, KindTimeout, KindOf(errors.Wrap(context.DeadlineExceeded, "launch")))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, model.ReasonLaunchFailed, ReasonOf(errors.New("boom"), model.ReasonLaunchFailed))
	assert.False(t, IsRetryable(Validation(model.ReasonInvalidRequest, "bad")))
	assert.False(t, IsRetryable(Trust(model.ReasonPairingRejected, "pin")))
}

func TestHTTPStatus(t *testing.T) {
	tests := map[Kind]int{
		KindValidation:           http.StatusBadRequest,
		KindUnauthorized:         http.StatusUnauthorized,
		KindTrust:                http.StatusForbidden,
		KindNotFound:             http.StatusNotFound,
		KindConflict:             http.StatusConflict,
		KindResourceUnavailable:  http.StatusServiceUnavailable,
		KindNetwork:              http.StatusBadGateway,
		KindTransportNegotiation: http.StatusBadGateway,
		KindTimeout:              http.StatusGatewayTimeout,
		KindInternal:             http.StatusInternalServerError,
	}
	for kind, status := range tests {
		assert.Equal(t, status, HTTPStatus(kind), kind.String())
	}
}

package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gateway/pkg/gatewayerr"
)

func TestCheckSignals(t *testing.T) {
	assert.NoError(t, CheckSignals(nil))
	assert.NoError(t, CheckSignals([]Signal{{Kind: SignalWebdriverFlag, Detail: "navigator.webdriver"}}))

	err := CheckSignals([]Signal{
		{Kind: SignalWebdriverFlag},
		{Kind: SignalCaptcha, Detail: "recaptcha iframe"},
		{Kind: SignalRateLimited, Detail: "HTTP 429"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDetectionHalt))
	assert.True(t, gatewayerr.IsHardStop(err))

	vs := gatewayerr.Violations(err)
	require.Len(t, vs, 2)
	assert.Equal(t, "captcha", vs[0].Rule)
	assert.Equal(t, "rate_limited", vs[1].Rule)
}

func TestErrorClassifiesRecoverable(t *testing.T) {
	cause := context.DeadlineExceeded
	err := error(NewError(contracts.ErrorKindBrowserCrash, "execute", cause))

	assert.True(t, gatewayerr.IsRecoverable(err))
	assert.True(t, errors.Is(err, ErrDriverFailure))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, gatewayerr.CodeDriverFailure, gatewayerr.CodeOf(err))

	var de *Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, contracts.ErrorKindBrowserCrash, de.ErrorKind())
	assert.Contains(t, err.Error(), "browser_crash")
}

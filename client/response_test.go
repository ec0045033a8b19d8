package client

import (
	"testing"

	"github.com/marioevz/builder-client/types/common"
	"github.com/stretchr/testify/require"
)

func TestResponse(t *testing.T) {
	empty := Success[common.VersionedSignedBuilderBid](nil)
	require.True(t, empty.IsSuccess())
	require.False(t, empty.IsFailure())
	require.Nil(t, empty.Payload())
	require.Equal(t, "Success(empty)", empty.String())

	full := Success(&common.VersionedSignedBuilderBid{Version: common.Capella})
	require.Equal(t, common.Capella, full.Payload().Version)
	require.Equal(t, "Success(*common.VersionedSignedBuilderBid)", full.String())

	failure := Failure[struct{}](500, internalServerError)
	require.True(t, failure.IsFailure())
	require.False(t, failure.IsSuccess())
	require.Nil(t, failure.Payload())
	require.Equal(t, 500, failure.StatusCode())
	require.Equal(t, internalServerError, failure.ErrorMessage())
	require.Equal(t, `Failure(500, "{\"code\":500,\"message\":\"Internal server error\"}")`, failure.String())
}

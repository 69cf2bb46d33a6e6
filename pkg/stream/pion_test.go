package stream

import (
	"testing"

	"github.com/lk2023060901/xplay/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPionPeer_OfferAdvertisesVideoAndInput(t *testing.T) {
	p, err := NewPionPeer(&SignalingConfig{}, logger.NewNoop())
	require.NoError(t, err)
	defer p.Close()

	offer, err := p.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, SDPTypeOffer, offer.Type)
	assert.Contains(t, offer.SDP, "m=video")
	assert.Contains(t, offer.SDP, "H264")
	assert.Contains(t, offer.SDP, "m=application")
}

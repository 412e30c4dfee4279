package negotiator_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mikeyg42/callsignal/internal/negotiator"
)

func TestForceConstantBitrate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "appends cbr",
			in:   "a=rtpmap:111 opus/48000/2\r\na=fmtp:111 minptime=10;useinbandfec=1\r\n",
			want: "a=rtpmap:111 opus/48000/2\r\na=fmtp:111 minptime=10;useinbandfec=1;cbr=1\r\n",
		},
		{
			name: "bare newline normalized",
			in:   "a=fmtp:111 minptime=10\n",
			want: "a=fmtp:111 minptime=10;cbr=1\r\n",
		},
		{
			name: "already constant",
			in:   "a=fmtp:111 minptime=10;cbr=1\r\n",
			want: "a=fmtp:111 minptime=10;cbr=1\r\n",
		},
		{
			name: "other payload untouched",
			in:   "a=fmtp:96 profile-id=1\r\n",
			want: "a=fmtp:96 profile-id=1\r\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := negotiator.ForceConstantBitrate(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, negotiator.ForceConstantBitrate(got))
		})
	}
}

func TestStripAudioLevelExtension(t *testing.T) {
	in := "m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
		"a=extmap:1 urn:ietf:params:rtp-hdrext:ssrc-audio-level\r\n" +
		"a=extmap:2 http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time\r\n"
	want := "m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
		"a=extmap:2 http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time\r\n"
	assert.Equal(t, want, negotiator.StripAudioLevelExtension(in))
}

func TestValidateDescription(t *testing.T) {
	valid := "v=0\r\n" +
		"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=ice-ufrag:abcd\r\n" +
		"a=ice-pwd:aabbccddeeffgghhiijjkkll\r\n" +
		"a=rtpmap:111 opus/48000/2\r\n"
	assert.NoError(t, negotiator.ValidateDescription(valid))

	noICE := "v=0\r\n" +
		"o=- 1 2 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
		"c=IN IP4 0.0.0.0\r\n"
	var verr *negotiator.SDPValidationError
	assert.ErrorAs(t, negotiator.ValidateDescription(noICE), &verr)
	assert.Equal(t, "ICE", verr.Field)

	assert.Error(t, negotiator.ValidateDescription(""))
}

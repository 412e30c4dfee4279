package negotiator

import (
	"regexp"
	"strings"

	"github.com/pion/sdp/v3"
)

// Opus is negotiated on payload type 111.
var (
	opusFmtpLine     = regexp.MustCompile(`a=fmtp:111 ([^\r\n]*)\r?\n`)
	audioLevelExtmap = regexp.MustCompile(`.+urn:ietf:params:rtp-hdrext:ssrc-audio-level.*\r?\n`)
)

// ForceConstantBitrate appends cbr=1 to the Opus fmtp line unless a cbr
// parameter is already present.
func ForceConstantBitrate(body string) string {
	return opusFmtpLine.ReplaceAllStringFunc(body, func(line string) string {
		params := opusFmtpLine.FindStringSubmatch(line)[1]
		if strings.Contains(params, "cbr=") {
			return line
		}
		return "a=fmtp:111 " + params + ";cbr=1\r\n"
	})
}

// StripAudioLevelExtension removes the ssrc-audio-level header extension.
func StripAudioLevelExtension(body string) string {
	return audioLevelExtmap.ReplaceAllString(body, "")
}

// Normalize is applied to every locally created description.
func Normalize(body string) string {
	return StripAudioLevelExtension(ForceConstantBitrate(body))
}

// ValidateDescription parses a remote description and checks it carries
// at least one audio or video section with ICE credentials.
func ValidateDescription(body string) error {
	if strings.TrimSpace(body) == "" {
		return &SDPValidationError{Field: "SessionDescription", Message: "is empty"}
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(body)); err != nil {
		return &SDPValidationError{Field: "SessionDescription", Message: err.Error()}
	}
	if len(parsed.MediaDescriptions) == 0 {
		return &SDPValidationError{Field: "Media", Message: "no media sections found"}
	}

	var hasAV bool
	_, sessionUfrag := parsed.Attribute("ice-ufrag")
	for _, md := range parsed.MediaDescriptions {
		switch md.MediaName.Media {
		case "audio", "video":
			hasAV = true
		}
		if _, ok := md.Attribute("ice-ufrag"); !ok && !sessionUfrag {
			return &SDPValidationError{Field: "ICE", Message: "media section " + md.MediaName.Media + " has no ICE credentials"}
		}
	}
	if !hasAV {
		return &SDPValidationError{Field: "Media", Message: "neither audio nor video tracks found"}
	}
	return nil
}

package relayclient

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// Profile names the five SDP shapes spec §4.E's profile table produces,
// one per relay operation and call direction.
type Profile int

const (
	ProfileOutboundOffer       Profile = iota // browser offer -> relay's view for the SIP leg
	ProfileOutboundAnswer                     // SIP answer -> relay's view for the browser leg
	ProfileInboundOffer                       // SIP INVITE's offer -> relay's view for the browser leg
	ProfileInboundAnswerMinimal                // browser answer -> minimal relay update for the SIP leg
	ProfileReInvite                            // re-INVITE/hold renegotiation on an existing relay session
)

// ParseSDP validates raw bytes as an SDP session description, grounded on
// the teacher's pion/sdp/v3 usage in pkg/media_with_sdp/session.go.
func ParseSDP(raw []byte) (*sdp.SessionDescription, error) {
	sd := &sdp.SessionDescription{}
	if err := sd.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("relayclient: invalid SDP: %w", err)
	}
	if len(sd.MediaDescriptions) == 0 {
		return nil, fmt.Errorf("relayclient: SDP has no media descriptions")
	}
	return sd, nil
}

// StripVideo drops any m=video section, since spec Non-goals exclude
// video entirely — the relay is only ever told about the audio leg.
func StripVideo(sd *sdp.SessionDescription) *sdp.SessionDescription {
	audioOnly := make([]*sdp.MediaDescription, 0, len(sd.MediaDescriptions))
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			audioOnly = append(audioOnly, md)
		}
	}
	sd.MediaDescriptions = audioOnly
	return sd
}

// ApplyProfile shapes an SDP body before it is handed to the relay or
// relayed onward, per the per-direction rules spec §4.E's profile table
// names. Every profile strips video; ProfileInboundAnswerMinimal also
// drops the b= bandwidth lines of each media section. Direction
// attributes are kept.
func ApplyProfile(profile Profile, sd *sdp.SessionDescription) *sdp.SessionDescription {
	sd = StripVideo(sd)
	switch profile {
	case ProfileInboundAnswerMinimal:
		for _, md := range sd.MediaDescriptions {
			md.Bandwidth = nil
		}
	}
	return sd
}

// directives is the machine-readable form of a profile table row: the
// transport/ICE/DTLS/rtcp-mux/codec directives the daemon itself must apply
// to the SDP it produces, since a gateway-local Marshal of the offer/answer
// body can reshape attribute lines but can't originate ICE candidates or a
// DTLS fingerprint on the daemon's behalf.
type directives struct {
	Transport   string   `json:"transport,omitempty"`
	ICE         string   `json:"ice,omitempty"`
	DTLS        string   `json:"dtls,omitempty"`
	RTCPMux     string   `json:"rtcp_mux,omitempty"`
	CodecStrip  []string `json:"codec_strip,omitempty"`
	CodecOffer  []string `json:"codec_offer,omitempty"`
	GenerateMID bool     `json:"generate_mid,omitempty"`
}

// profileDirectives returns the daemon-facing directives for profile, per
// spec §4.E's profile table. ProfileInboundAnswerMinimal and ProfileReInvite
// carry no fixed row of their own: the minimal-answer phase tells the
// daemon to reuse the offer phase's parameters (so it sends none), and a
// re-INVITE mirrors whichever direction's row the dialog already picked,
// which the caller supplies via mirrorOf.
func profileDirectives(profile Profile) directives {
	switch profile {
	case ProfileOutboundOffer:
		return directives{
			Transport:  "RTP/AVP",
			ICE:        "remove",
			RTCPMux:    "demux",
			CodecStrip: []string{"opus"},
			CodecOffer: []string{"PCMU", "PCMA"},
		}
	case ProfileOutboundAnswer:
		return directives{
			Transport:  "UDP/TLS/RTP/SAVPF",
			ICE:        "force",
			DTLS:       "passive",
			RTCPMux:    "offer",
			CodecStrip: []string{"telephone-event"},
			CodecOffer: []string{"opus", "PCMU", "PCMA"},
		}
	case ProfileInboundOffer:
		return directives{
			Transport: "UDP/TLS/RTP/SAVPF",
			ICE:       "force",
			DTLS:      "passive",
			RTCPMux:   "require",
		}
	default:
		return directives{}
	}
}

// mirrorDirectives builds a re-INVITE's directives from the dialog's
// original direction: transport and ICE mirror whichever leg the dialog
// started as, with the re-INVITE-only generate-mid flag set.
func mirrorDirectives(original Profile) directives {
	d := profileDirectives(original)
	d.GenerateMID = true
	return d
}

// Marshal serializes sd the way every relay RPC body embeds its SDP,
// renamed from pion's Marshal purely so call sites in this package read
// "relayclient terms" rather than pion's.
func Marshal(sd *sdp.SessionDescription) ([]byte, error) {
	return sd.Marshal()
}

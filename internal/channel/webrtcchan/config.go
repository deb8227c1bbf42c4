package webrtcchan

import "github.com/pion/webrtc/v4"

// PeerConnectionConfig builds a WebRTC configuration from STUN and
// TURN server URLs.
func PeerConnectionConfig(stunServers, turnServers []string) webrtc.Configuration {
	var iceServers []webrtc.ICEServer
	if len(stunServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: stunServers})
	}
	for _, turn := range turnServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{turn}})
	}
	return webrtc.Configuration{ICEServers: iceServers}
}

// NewPeerConnection creates a peer connection suitable for the adapter.
func NewPeerConnection(config webrtc.Configuration) (*webrtc.PeerConnection, error) {
	api := webrtc.NewAPI(webrtc.WithSettingEngine(webrtc.SettingEngine{}))
	return api.NewPeerConnection(config)
}

package coordinator

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// MediaTransport is the peer-connection capability the coordinator drives.
// Offer/answer creation, ICE gathering and encryption live behind it; the
// coordinator only sequences the calls.
type MediaTransport interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	Close() error
}

// TransportHooks deliver a transport's asynchronous events. Implementations
// may invoke them from any goroutine; the coordinator funnels them into its
// event loop.
type TransportHooks struct {
	OnICECandidate func(webrtc.ICECandidateInit)
	OnStateChange  func(webrtc.PeerConnectionState)
}

// TransportFactory builds a fresh transport for one remote peer. The
// coordinator rebuilds transports when a negotiation has to restart (glare
// demotion, re-offer after failure), so factories must be cheap to call
// repeatedly.
type TransportFactory func(remoteID string, hooks TransportHooks) (MediaTransport, error)

// NewPionTransportFactory builds audio transports on pion PeerConnections.
func NewPionTransportFactory(api *webrtc.API, iceServers []webrtc.ICEServer) TransportFactory {
	return func(remoteID string, hooks TransportHooks) (MediaTransport, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
		if err != nil {
			return nil, fmt.Errorf("new peer connection for %s: %w", remoteID, err)
		}

		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add audio transceiver for %s: %w", remoteID, err)
		}

		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil {
				return // end of gathering
			}
			if hooks.OnICECandidate != nil {
				hooks.OnICECandidate(c.ToJSON())
			}
		})
		pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			if hooks.OnStateChange != nil {
				hooks.OnStateChange(s)
			}
		})

		return &pionTransport{pc: pc}, nil
	}
}

type pionTransport struct {
	pc *webrtc.PeerConnection
}

func (t *pionTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

func (t *pionTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *pionTransport) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sdp)
}

func (t *pionTransport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sdp)
}

func (t *pionTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(c)
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}

package gossip

import "encoding/json"

// helloMessage is the sole message type of the gossip wire protocol (§6):
// "{id, role, knownPeers[]}". Encoding is JSON, which keeps the protocol
// textual as required, the same spirit as the teacher's use of encoding/json
// in gossip/pkg/hashing.go — interop across heterogeneous implementations is
// explicitly not required (§6), so there is no need for a denser wire format.
type helloMessage struct {
	ID         string         `json:"id"`
	Endpoint   string         `json:"endpoint"`
	Role       Role           `json:"role"`
	KnownPeers []peerAnnounce `json:"knownPeers"`
}

// peerAnnounce is the compact peer summary gossiped inside a helloMessage.
type peerAnnounce struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
	Role     Role   `json:"role"`
}

func encodeHello(m helloMessage) ([]byte, error) {
	return json.Marshal(m)
}

func decodeHello(payload []byte) (helloMessage, error) {
	var m helloMessage
	err := json.Unmarshal(payload, &m)
	return m, err
}

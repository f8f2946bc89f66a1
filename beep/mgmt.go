// Package beep ties the frame codec, channel state machine, transport,
// profile registry, and worker pool into a running BEEP engine: Context
// (the process-wide root) and Connection (one transport endpoint, its
// channel table, and the channel-0 management dialogue).
package beep

import (
	"encoding/xml"
	"fmt"
)

// Greeting is the channel-0 message exchanged once, immediately after a
// Connection is established, listing the profiles the sender supports.
// Modeled on netconf/common.HelloMessage's struct-tag style, adapted
// from NETCONF's capability list to BEEP's profile list.
type Greeting struct {
	XMLName  xml.Name `xml:"greeting"`
	Features string   `xml:"features,attr,omitempty"`
	Localize string   `xml:"localize,attr,omitempty"`
	Profiles []ProfileURI `xml:"profile"`
}

// ProfileURI is one <profile uri='…'/> entry of a Greeting.
type ProfileURI struct {
	URI string `xml:"uri,attr"`
}

// URIs returns the plain list of profile URIs a Greeting advertises.
func (g *Greeting) URIs() []string {
	uris := make([]string, len(g.Profiles))
	for i, p := range g.Profiles {
		uris[i] = p.URI
	}
	return uris
}

// NewGreeting builds a Greeting advertising uris.
func NewGreeting(uris []string) *Greeting {
	g := &Greeting{Profiles: make([]ProfileURI, len(uris))}
	for i, u := range uris {
		g.Profiles[i] = ProfileURI{URI: u}
	}
	return g
}

// Start is the channel-0 `<start>` request opening a new channel,
// offering one or more candidate profiles in preference order.
type Start struct {
	XMLName    xml.Name      `xml:"start"`
	Number     uint32        `xml:"number,attr"`
	ServerName string        `xml:"serverName,attr,omitempty"`
	Profiles   []StartProfile `xml:"profile"`
}

// StartProfile is one candidate `<profile>` element of a Start request,
// optionally carrying base64-encoded piggyback data.
type StartProfile struct {
	URI      string `xml:"uri,attr"`
	Encoding string `xml:"encoding,attr,omitempty"`
	Content  string `xml:",chardata"`
}

// ProfileReply is the successful reply to a Start request: the profile
// the listener actually accepted.
type ProfileReply struct {
	XMLName  xml.Name `xml:"profile"`
	URI      string   `xml:"uri,attr"`
	Encoding string   `xml:"encoding,attr,omitempty"`
	Content  string   `xml:",chardata"`
}

// Close is the channel-0 `<close>` request, per RFC 3080 §2.4.1.
type Close struct {
	XMLName xml.Name `xml:"close"`
	Number  uint32   `xml:"number,attr"`
	Code    int      `xml:"code,attr"`
}

// OK is the bare positive reply to a close request.
type OK struct {
	XMLName xml.Name `xml:"ok"`
}

// MgmtError is the channel-0 `<error>` reply, carrying an RFC 3080 §8
// numeric code. It also implements error so it can be returned and
// wrapped like any other failure.
type MgmtError struct {
	XMLName xml.Name `xml:"error"`
	Code    int      `xml:"code,attr"`
	Lang    string   `xml:"xml:lang,attr,omitempty"`
	Message string   `xml:",chardata"`
}

func (e *MgmtError) Error() string {
	return fmt.Sprintf("beep management error %d: %s", e.Code, e.Message)
}

func encodeXML(v interface{}) ([]byte, error) {
	return xml.Marshal(v)
}

func decodeXML(payload []byte, v interface{}) error {
	return xml.Unmarshal(payload, v)
}

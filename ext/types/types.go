package types

import (
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

// Exchange carries one inbound query through the pipeline, with the
// per-exchange log event that collects fields until the response is sent.
type Exchange struct {
	QueryMsg    *dns.Msg       // outgoing dns message, use to build the upstream query
	incomingMsg *dns.Msg       // keep origin incoming dns message
	Log         *zerolog.Event // exchange log
}

func (ex *Exchange) GetIncomingMsg() *dns.Msg {
	if ex.incomingMsg == nil {
		return ex.QueryMsg
	}
	return ex.incomingMsg
}

func (ex *Exchange) SetIncomingMsg() {
	ex.incomingMsg = ex.QueryMsg.Copy()
}

// reference: https://developers.google.com/speed/public-dns/docs/doh/json
//
// header:
//  Accept: application/dns-json or Accept: application/json
//
type DOHJsonQuestion struct {
	Name string `json:"name"`
	Type uint16 `json:"type"`
}

type DOHJsonAnswer struct {
	Name string `json:"name"`
	Type uint16 `json:"type"`
	TTL  uint32 `json:"TTL"`
	Data string `json:"data"`
}

// rfc: https://datatracker.ietf.org/doc/html/rfc1035
// some flags associate with rfc1035
//
type DOHJson struct {
	Status   int               `json:"Status"`           // dns.MsgHdr.Rcode
	TC       bool              `json:"TC"`               // dns.MsgHdr.Truncated
	RD       bool              `json:"RD"`               // dns.MsgHdr.RecursionDesired
	RA       bool              `json:"RA"`               // dns.MsgHdr.RecursionAvailable
	AD       bool              `json:"AD"`               // dns.MsgHdr.AuthenticatedData
	CD       bool              `json:"CD"`               // dns.MsgHdr.CheckingDisabled
	Question []DOHJsonQuestion `json:"Question"`         // dns.Msg.Question
	Answer   []DOHJsonAnswer   `json:"Answer,omitempty"` // dns.Msg.Answer
}

package queryx

import (
	"errors"
	"math/rand"
	"net/url"
	"strconv"

	"github.com/miekg/dns"
)

var ErrUnsupportedQType = errors.New("question type not supported by the json api")

// question types the json api is asked for, everything else is answered
// locally with an empty reply and never forwarded
var supportedQTypes = map[uint16]bool{
	dns.TypeA:     true,
	dns.TypeMX:    true,
	dns.TypeCNAME: true,
	dns.TypeTXT:   true,
	dns.TypePTR:   true,
	dns.TypeAAAA:  true,
	dns.TypeNS:    true,
	dns.TypeSOA:   true,
	dns.TypeSRV:   true,
	dns.TypeDS:    true,
}

// every outbound query string is padded up to a uniform size so that the
// encrypted request length leaks nothing about the question
const (
	paddingTargetDefault = 259 // qtype A, the api default, no explicit type parameter
	paddingTargetTyped   = 253 // explicit numeric type parameter included
)

const paddingAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// OutboundQuery holds the parameters of one upstream json api request.
type OutboundQuery struct {
	Name             string
	Qtype            uint16
	OmitType         bool // qtype A uses the api default
	EdnsClientSubnet string
	Padding          string
}

// Translate builds the upstream query parameters for one inbound question,
// refusing unsupported types before any outbound work happens.
func Translate(q dns.Question, ednsClientSubnet string) (*OutboundQuery, error) {
	if !supportedQTypes[q.Qtype] {
		return nil, ErrUnsupportedQType
	}

	oq := &OutboundQuery{
		Name:             q.Name,
		Qtype:            q.Qtype,
		OmitType:         q.Qtype == dns.TypeA,
		EdnsClientSubnet: ednsClientSubnet,
	}

	padLen := 0
	if oq.OmitType {
		padLen = paddingTargetDefault - len(oq.Name)
	} else {
		padLen = paddingTargetTyped - len(oq.Name) - len(strconv.Itoa(int(oq.Qtype)))
	}
	if padLen < 0 {
		padLen = 0
	}
	oq.Padding = randomPadding(padLen)

	return oq, nil
}

// Encode serializes the query as url parameters, the padding alphabet is
// url-safe so the encoded length equals the padded length.
func (oq *OutboundQuery) Encode() string {
	values := url.Values{}
	values.Set("name", oq.Name)
	if !oq.OmitType {
		values.Set("type", strconv.Itoa(int(oq.Qtype)))
	}
	if oq.EdnsClientSubnet != "" {
		values.Set("edns_client_subnet", oq.EdnsClientSubnet)
	}
	values.Set("random_padding", oq.Padding)
	return values.Encode()
}

func randomPadding(n int) string {
	if n <= 0 {
		return ""
	}
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = paddingAlphabet[rand.Intn(len(paddingAlphabet))]
	}
	return string(buf)
}

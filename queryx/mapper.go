package queryx

import (
	"net"
	"strconv"
	"strings"

	"dohgate/ext/types"

	"github.com/miekg/dns"
)

// applyDoHJson fills the reply message from a decoded json api response.
// A nil body (transport or parse failure upstream) leaves the reply empty,
// an upstream miss is not an error here.
func applyDoHJson(dj *types.DOHJson, rmsg *dns.Msg) {
	if dj == nil {
		return
	}

	rmsg.RecursionAvailable = dj.RA
	rmsg.RecursionDesired = dj.RD

	for _, ans := range dj.Answer {
		if rr := mapAnswer(ans); rr != nil {
			rmsg.Answer = append(rmsg.Answer, rr)
		}
	}
}

// mapAnswer converts one json answer entry into a typed resource record.
// Record data comes back as one text blob, the shape depends on the type.
// Fields are assigned positionally, short or malformed data simply leaves
// the remaining fields zero.
func mapAnswer(ans types.DOHJsonAnswer) dns.RR {
	hdr := dns.RR_Header{
		Name:   dns.Fqdn(ans.Name),
		Rrtype: ans.Type,
		Class:  dns.ClassINET,
		Ttl:    ans.TTL,
	}

	switch ans.Type {
	case dns.TypeA:
		return &dns.A{Hdr: hdr, A: net.ParseIP(ans.Data)}
	case dns.TypeAAAA:
		return &dns.AAAA{Hdr: hdr, AAAA: net.ParseIP(ans.Data)}
	case dns.TypeCNAME:
		return &dns.CNAME{Hdr: hdr, Target: dns.Fqdn(ans.Data)}
	case dns.TypePTR:
		return &dns.PTR{Hdr: hdr, Ptr: dns.Fqdn(ans.Data)}
	case dns.TypeNS:
		return &dns.NS{Hdr: hdr, Ns: dns.Fqdn(ans.Data)}
	case dns.TypeMX:
		fields := strings.Fields(ans.Data)
		return &dns.MX{
			Hdr:        hdr,
			Preference: uint16(tokenUint(fields, 0)),
			Mx:         tokenName(fields, 1),
		}
	case dns.TypeTXT:
		return &dns.TXT{Hdr: hdr, Txt: []string{stripQuotes(ans.Data)}}
	case dns.TypeSPF:
		return &dns.SPF{Hdr: hdr, Txt: []string{stripQuotes(ans.Data)}}
	case dns.TypeSOA:
		fields := strings.Fields(ans.Data)
		return &dns.SOA{
			Hdr:     hdr,
			Ns:      tokenName(fields, 0),
			Mbox:    tokenName(fields, 1),
			Serial:  uint32(tokenUint(fields, 2)),
			Refresh: uint32(tokenUint(fields, 3)),
			Retry:   uint32(tokenUint(fields, 4)),
			Expire:  uint32(tokenUint(fields, 5)),
			Minttl:  uint32(tokenUint(fields, 6)),
		}
	case dns.TypeSRV:
		fields := strings.Fields(ans.Data)
		return &dns.SRV{
			Hdr:      hdr,
			Priority: uint16(tokenUint(fields, 0)),
			Weight:   uint16(tokenUint(fields, 1)),
			Port:     uint16(tokenUint(fields, 2)),
			Target:   tokenName(fields, 3),
		}
	case dns.TypeDS:
		fields := strings.Fields(ans.Data)
		return &dns.DS{
			Hdr:        hdr,
			KeyTag:     uint16(tokenUint(fields, 0)),
			Algorithm:  uint8(tokenUint(fields, 1)),
			DigestType: uint8(tokenUint(fields, 2)),
			Digest:     tokenAt(fields, 3),
		}
	default:
		// passthrough for record types the api may return inside an
		// answer section without being directly queryable
		rr, err := dns.NewRR(hdr.Name + "\t" + strconv.Itoa(int(ans.TTL)) + "\tIN\t" + dns.TypeToString[ans.Type] + "\t" + ans.Data)
		if err != nil {
			return nil
		}
		return rr
	}
}

// surrounding quotes, first and last character, removed
func stripQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	return s[1 : len(s)-1]
}

func tokenAt(fields []string, i int) string {
	if i >= len(fields) {
		return ""
	}
	return fields[i]
}

func tokenName(fields []string, i int) string {
	s := tokenAt(fields, i)
	if s == "" {
		return ""
	}
	return dns.Fqdn(s)
}

func tokenUint(fields []string, i int) uint64 {
	s := tokenAt(fields, i)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

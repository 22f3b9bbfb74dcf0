package configx

const (
	ProtocolTypeDNS = "dns"

	DOHAcceptHeaderTypeJSON = "application/dns-json"

	DefaultUpstreamUrl = "https://dns.google/resolve"
)

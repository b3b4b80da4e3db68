package relay

import (
	"context"
	"net"
	"sort"
	"strings"
)

// MXResolver resolve registros MX. *net.Resolver satisfaz esta interface.
type MXResolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// LookupMX resolve os servidores de um domínio em ordem crescente de
// preferência. "localhost" e "127.0.0.1" não consultam o DNS.
func LookupMX(ctx context.Context, resolver MXResolver, domain string) ([]*net.MX, error) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if domain == "localhost" || domain == "127.0.0.1" {
		return []*net.MX{{Host: "localhost", Pref: 5}}, nil
	}

	records, err := resolver.LookupMX(ctx, domain)
	if err != nil {
		return nil, err
	}

	sorted := make([]*net.MX, 0, len(records))
	for _, mx := range records {
		host := strings.TrimSuffix(mx.Host, ".")
		// MX nulo (RFC 7505): o domínio não aceita mensagens
		if host == "" {
			continue
		}
		sorted = append(sorted, &net.MX{Host: host, Pref: mx.Pref})
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Pref < sorted[j].Pref })
	return sorted, nil
}

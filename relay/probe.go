package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// ErrNoRoute é retornado quando nenhum servidor do domínio responde
var ErrNoRoute = errors.New("nenhum servidor alcançável")

// Route é o destino escolhido para um domínio
type Route struct {
	Host string
	Port int
}

// Addr retorna host:porta
func (r Route) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// ImplicitTLS indica conexão TLS desde o início (porta 465)
func (r Route) ImplicitTLS() bool {
	return r.Port == 465
}

// Secure indica se a entrega exige canal cifrado; só a porta 25 é aberta
func (r Route) Secure() bool {
	return r.Port != 25
}

// Prober verifica se um servidor aceita conexões numa porta
type Prober interface {
	Probe(ctx context.Context, host string, port int) error
}

// DialProber testa a porta abrindo e fechando uma conexão TCP
type DialProber struct {
	Timeout time.Duration
}

// Probe abre uma conexão TCP e a fecha em seguida
func (p DialProber) Probe(ctx context.Context, host string, port int) error {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return conn.Close()
}

// FindRoute percorre os servidores em ordem de preferência e, em cada um,
// as portas na ordem informada. O primeiro par alcançável vence.
func FindRoute(ctx context.Context, prober Prober, exchanges []*net.MX, ports []int) (Route, error) {
	var lastErr error
	for _, mx := range exchanges {
		for _, port := range ports {
			if err := ctx.Err(); err != nil {
				return Route{}, err
			}
			err := prober.Probe(ctx, mx.Host, port)
			if err == nil {
				return Route{Host: mx.Host, Port: port}, nil
			}
			lastErr = err
		}
	}
	if lastErr != nil {
		return Route{}, fmt.Errorf("%w: %v", ErrNoRoute, lastErr)
	}
	return Route{}, ErrNoRoute
}

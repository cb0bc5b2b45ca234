package tele

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"

	"github.com/juju/errors"
	"github.com/temoto/thermotele/internal/types"
)

// Transporter contract:
// - constructor fails only with invalid config, no network IO
// - Connect blocks until broker session is ready or ctx is done
// - Publish returns after broker acknowledged QoS 1 message or ctx is done
// - received messages are passed whole to deliver, possibly concurrently with Publish
type Transporter interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, m *types.OutboundMessage) error
	Close() error
}

type deliverFunc func(topic string, payload []byte)

// permanent marks publish errors which retry will not fix.
type permanent struct{ error }

func isPermanent(err error) bool {
	_, ok := err.(permanent)
	return ok
}

func loadTLS(caFile string) (*tls.Config, error) {
	if caFile == "" {
		return nil, nil
	}
	b, err := ioutil.ReadFile(caFile)
	if err != nil {
		return nil, errors.Annotate(err, "tls_ca_file")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b) {
		return nil, errors.NotValidf("tls_ca_file=%s no certificates", caFile)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

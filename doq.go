package tunneld

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
)

// maxDoqEOFRetries bounds the retries on io.EOF returned by some DoQ servers
// for an otherwise good stream.
const maxDoqEOFRetries = 5

type doqResolver struct {
	uc     *UpstreamConfig
	target string
}

func (r *doqResolver) Resolve(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	ctx, cancel := r.uc.withTimeout(ctx)
	defer cancel()
	tlsConfig := &tls.Config{
		NextProtos: []string{"doq"},
		ServerName: r.uc.Domain,
		RootCAs:    r.uc.certPool,
	}
	return resolve(ctx, msg, r.target, tlsConfig)
}

func resolve(ctx context.Context, msg *dns.Msg, endpoint string, tlsConfig *tls.Config) (*dns.Msg, error) {
	for i := 0; i < maxDoqEOFRetries; i++ {
		answer, err := doResolve(ctx, msg, endpoint, tlsConfig)
		if err == io.EOF {
			continue
		}
		if err != nil {
			return nil, wrapCertificateVerificationError(err)
		}
		return answer, nil
	}
	return nil, &quic.ApplicationError{ErrorCode: quic.ApplicationErrorCode(quic.InternalError), ErrorMessage: quic.InternalError.Message()}
}

func doResolve(ctx context.Context, msg *dns.Msg, endpoint string, tlsConfig *tls.Config) (*dns.Msg, error) {
	session, err := quic.DialAddr(ctx, endpoint, tlsConfig, nil)
	if err != nil {
		return nil, err
	}
	defer session.CloseWithError(quic.ApplicationErrorCode(quic.NoError), "")

	// RFC 9250 section 4.2.1: the message id must be 0 on the wire.
	query := msg.Copy()
	query.Id = 0
	msgBytes, err := query.Pack()
	if err != nil {
		return nil, err
	}

	stream, err := session.OpenStream()
	if err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultResolveTimeout)
	}
	_ = stream.SetDeadline(deadline)

	buf := make([]byte, 2+len(msgBytes))
	binary.BigEndian.PutUint16(buf, uint16(len(msgBytes)))
	copy(buf[2:], msgBytes)
	if _, err := stream.Write(buf); err != nil {
		return nil, err
	}
	// Closing the write direction tells the server the query is complete.
	_ = stream.Close()

	resp, err := io.ReadAll(stream)
	if err != nil {
		return nil, err
	}

	// io.ReadAll hides the io.EOF error returned by the server, make sure
	// io.EOF is surfaced so the caller can retry cleanly.
	if len(resp) < 2 {
		return nil, io.EOF
	}

	answer := new(dns.Msg)
	if err := answer.Unpack(resp[2:]); err != nil {
		return nil, err
	}
	answer.Id = msg.Id
	return answer, nil
}

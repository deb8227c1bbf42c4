package quicchan

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPNProtocol is the Application-Layer Protocol Negotiation identifier
// for direct bundle transfers over QUIC.
const ALPNProtocol = "bytebundle-quic-v1"

// ServerTLSConfig returns a TLS configuration for the listening side.
// Uses a self-signed certificate; peers do not verify identity.
func ServerTLSConfig() (*tls.Config, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

// ClientTLSConfig returns a TLS configuration for the dialing side.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}
}

func defaultQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		MaxIncomingStreams:             256,
		InitialConnectionReceiveWindow: 64 * 1024 * 1024,
		MaxConnectionReceiveWindow:     64 * 1024 * 1024,
		InitialStreamReceiveWindow:     maxFrameBytes,
		MaxStreamReceiveWindow:         maxFrameBytes,
	}
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"bytebundle"}},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}

// ListenAddr opens a UDP socket on addr and starts a QUIC listener on
// it. The caller owns the returned listener.
func ListenAddr(addr string, logger *slog.Logger) (*quic.Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := ServerTLSConfig()
	if err != nil {
		udpConn.Close()
		return nil, err
	}
	listener, err := quic.Listen(udpConn, tlsConfig, defaultQUICConfig())
	if err != nil {
		udpConn.Close()
		logger.Error("quic listen failed", "error", err, "addr", addr)
		return nil, err
	}
	logger.Info("quic listener ready", "addr", listener.Addr())
	return listener, nil
}

// DialAddr establishes a QUIC connection to a listening peer.
func DialAddr(ctx context.Context, addr string, logger *slog.Logger) (*quic.Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, ClientTLSConfig(), defaultQUICConfig())
	if err != nil {
		logger.Error("quic dial failed", "error", err, "addr", addr)
		return nil, err
	}
	logger.Info("quic connection established", "addr", addr)
	return conn, nil
}

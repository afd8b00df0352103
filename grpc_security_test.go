package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	configpkg "towerdrop/broker/internal/config"
	"towerdrop/broker/internal/logging"
)

type stubServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *stubServerStream) Context() context.Context {
	return s.ctx
}

func generateSelfSignedCert(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "towerdrop-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestSharedSecretInterceptorAcceptsValidSecret(t *testing.T) {
	interceptor := newSharedSecretStreamInterceptor("hunter2")
	md := metadata.New(map[string]string{sharedSecretMetadataKey: "hunter2"})
	stream := &stubServerStream{ctx: metadata.NewIncomingContext(context.Background(), md)}
	called := false
	handler := func(any, grpc.ServerStream) error {
		called = true
		return nil
	}
	require.NoError(t, interceptor(nil, stream, &grpc.StreamServerInfo{}, handler))
	assert.True(t, called)
}

func TestSharedSecretInterceptorAcceptsBearerToken(t *testing.T) {
	interceptor := newSharedSecretUnaryInterceptor("hunter2")
	md := metadata.New(map[string]string{"authorization": "Bearer hunter2"})
	ctx := metadata.NewIncomingContext(context.Background(), md)
	resp, err := interceptor(ctx, "req", &grpc.UnaryServerInfo{}, func(context.Context, any) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestSharedSecretInterceptorRejectsMissingSecret(t *testing.T) {
	interceptor := newSharedSecretStreamInterceptor("hunter2")
	stream := &stubServerStream{ctx: context.Background()}
	err := interceptor(nil, stream, &grpc.StreamServerInfo{}, func(any, grpc.ServerStream) error { return nil })
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestSharedSecretUnaryInterceptorRejectsWrongSecret(t *testing.T) {
	interceptor := newSharedSecretUnaryInterceptor("hunter2")
	md := metadata.New(map[string]string{sharedSecretMetadataKey: "guess"})
	ctx := metadata.NewIncomingContext(context.Background(), md)
	called := false
	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{}, func(context.Context, any) (any, error) {
		called = true
		return nil, nil
	})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.False(t, called)
}

func TestLoadMTLSCredentialsFailsWithBadPaths(t *testing.T) {
	_, err := loadMTLSCredentials("missing-cert", "missing-key", "missing-ca")
	assert.Error(t, err)
}

func TestConfigureGRPCSecurityMTLS(t *testing.T) {
	certFile, keyFile := generateSelfSignedCert(t)
	cfg := &configpkg.Config{GRPCAuthMode: configpkg.GRPCAuthModeMTLS, GRPCServerCertPath: certFile, GRPCServerKeyPath: keyFile, GRPCClientCAPath: certFile}
	opts, _, err := configureGRPCSecurity(cfg, logging.NewTestLogger())
	require.NoError(t, err)
	assert.NotEmpty(t, opts)
}

func TestConfigureGRPCSecuritySharedSecret(t *testing.T) {
	cfg := &configpkg.Config{GRPCAuthMode: configpkg.GRPCAuthModeSharedSecret, GRPCSharedSecret: "hunter2"}
	opts, _, err := configureGRPCSecurity(cfg, logging.NewTestLogger())
	require.NoError(t, err)
	assert.Len(t, opts, 2)
}

func TestConfigureGRPCSecurityNone(t *testing.T) {
	opts, _, err := configureGRPCSecurity(&configpkg.Config{GRPCAuthMode: configpkg.GRPCAuthModeNone}, logging.NewTestLogger())
	require.NoError(t, err)
	assert.Empty(t, opts)

	_, _, err = configureGRPCSecurity(&configpkg.Config{GRPCAuthMode: "kerberos"}, logging.NewTestLogger())
	assert.Error(t, err)
}

package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/lk2023060901/xplay/pkg/config"
)

// TLSConfig TLS 配置
type TLSConfig struct {
	// 证书文件路径（服务端；为空且 SelfSigned 时自动生成）
	CertFile string `mapstructure:"cert_file" json:"cert_file"`

	// 私钥文件路径
	KeyFile string `mapstructure:"key_file" json:"key_file"`

	// CA 证书文件路径（客户端用于校验主机证书）
	CAFile string `mapstructure:"ca_file" json:"ca_file"`

	// 跳过证书校验。主机本地部署使用自签名证书，编排端访问主机时需开启
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify" json:"insecure_skip_verify"`

	// 服务端无证书文件时生成自签名证书
	SelfSigned bool `mapstructure:"self_signed" json:"self_signed"`

	// 自签名证书的主机名/IP
	Hosts []string `mapstructure:"hosts" json:"hosts"`

	// 最低 TLS 版本（默认 TLS 1.2）
	MinVersion uint16 `mapstructure:"min_version" json:"min_version"`

	// 服务器名称（客户端 SNI）
	ServerName string `mapstructure:"server_name" json:"server_name"`
}

// DefaultTLSConfig 返回默认 TLS 配置
func DefaultTLSConfig() *TLSConfig {
	return &TLSConfig{
		MinVersion: tls.VersionTLS12,
		Hosts:      []string{"localhost", "127.0.0.1"},
	}
}

// NewClientTLSConfig 创建客户端 TLS 配置
func NewClientTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	newCfg, err := config.MergeConfig(DefaultTLSConfig(), cfg)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		MinVersion:         newCfg.MinVersion,
		InsecureSkipVerify: newCfg.InsecureSkipVerify, //nolint:gosec // 主机自签名证书
		ServerName:         newCfg.ServerName,
	}

	if newCfg.CAFile != "" {
		pool, err := loadCAPool(newCfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// NewServerTLSConfig 创建服务端 TLS 配置
func NewServerTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	newCfg, err := config.MergeConfig(DefaultTLSConfig(), cfg)
	if err != nil {
		return nil, err
	}

	var cert tls.Certificate
	switch {
	case newCfg.CertFile != "" || newCfg.KeyFile != "":
		if newCfg.CertFile == "" {
			return nil, ErrCertFileEmpty
		}
		if newCfg.KeyFile == "" {
			return nil, ErrKeyFileEmpty
		}
		cert, err = tls.LoadX509KeyPair(newCfg.CertFile, newCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCertLoad, err)
		}
	case newCfg.SelfSigned:
		cert, err = GenerateSelfSigned(newCfg.Hosts, 365*24*time.Hour)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrCertFileEmpty
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   newCfg.MinVersion,
	}, nil
}

// GenerateSelfSigned 生成 ECDSA P-256 自签名证书
func GenerateSelfSigned(hosts []string, validFor time.Duration) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: %v", ErrCertGenerate, err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: %v", ErrCertGenerate, err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"xplay host"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: %v", ErrCertGenerate, err)
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCALoad, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, ErrCAAppend
	}
	return pool, nil
}

// Package tlsutil 客户端 TLS 配置
//
// REST 与实时通道共用同一份 *tls.Config：内网部署使用自签名 CA 时
// 通过 CAFile 信任该 CA，开发环境可显式跳过校验。
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

var ErrInvalidCA = errors.New("tlsutil: no certificates found in CA file")

// ClientOptions 客户端 TLS 选项
type ClientOptions struct {
	CAFile             string
	InsecureSkipVerify bool
	ServerName         string
}

// Enabled 是否需要自定义 TLS 配置
func (o ClientOptions) Enabled() bool {
	return o.CAFile != "" || o.InsecureSkipVerify || o.ServerName != ""
}

// ClientConfig 构建客户端 TLS 配置；未设置任何选项时返回 nil（使用系统默认）
func ClientConfig(opts ClientOptions) (*tls.Config, error) {
	if !opts.Enabled() {
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         opts.ServerName,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	}
	if opts.CAFile == "" {
		return cfg, nil
	}

	caPEM, err := os.ReadFile(opts.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCA, opts.CAFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

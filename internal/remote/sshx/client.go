// Package sshx — SSH доступ к login-узлу кластера.
//
// Client держит одно SSH соединение на исполнитель: открывает его при первом
// использовании, переподключается после разрыва и ограничивает число
// одновременных сессий семафором. Transport передаёт артефакты по SFTP
// поверх того же соединения.
package sshx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sync/semaphore"

	"github.com/shaiso/batchflow/internal/remote"
)

// ErrClosed — клиент закрыт.
var ErrClosed = errors.New("ssh client closed")

// Config — параметры подключения.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string

	// KeyFile — приватный ключ (PEM/OpenSSH).
	KeyFile string

	// KnownHosts — файл known_hosts. Пустой — ~/.ssh/known_hosts, если он
	// существует; иначе ключ хоста не проверяется.
	KnownHosts string

	// MaxSessions — максимум одновременных сессий (по умолчанию 4).
	MaxSessions int

	// DialTimeout — таймаут подключения (по умолчанию 15s).
	DialTimeout time.Duration

	Logger *slog.Logger
}

// Client — SSH клиент с ленивым подключением и переподключением.
type Client struct {
	cfg    Config
	logger *slog.Logger
	sem    *semaphore.Weighted

	// mu сериализует установку соединения
	mu     sync.Mutex
	client *ssh.Client
	sftp   *sftp.Client
	closed bool
}

// NewClient создаёт клиента. Соединение открывается при первом вызове.
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 4
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if cfg.KnownHosts == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.KnownHosts = defaultKnownHosts(home)
		}
	}

	return &Client{
		cfg:    cfg,
		logger: cfg.Logger.With("host", cfg.Host),
		sem:    semaphore.NewWeighted(int64(cfg.MaxSessions)),
	}
}

// Addr возвращает адрес host:port.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

// clientConfig собирает ssh.ClientConfig из параметров.
func (c *Client) clientConfig() (*ssh.ClientConfig, error) {
	auth, err := AuthMethods(c.cfg.Password, c.cfg.KeyFile)
	if err != nil {
		return nil, err
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if c.cfg.KnownHosts != "" {
		hostKey, err = knownhosts.New(c.cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
	} else {
		c.logger.Warn("host key verification disabled, set known_hosts or create ~/.ssh/known_hosts")
	}

	return &ssh.ClientConfig{
		User:            c.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         c.cfg.DialTimeout,
	}, nil
}

// defaultKnownHosts возвращает ~/.ssh/known_hosts, если файл существует.
func defaultKnownHosts(home string) string {
	p := filepath.Join(home, ".ssh", "known_hosts")
	if info, err := os.Stat(p); err == nil && !info.IsDir() {
		return p
	}
	return ""
}

// AuthMethods возвращает методы аутентификации: ключ, затем пароль.
func AuthMethods(password, keyFile string) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if keyFile != "" {
		pem, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}

		var signer ssh.Signer
		if password != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(password))
			var missing *ssh.PassphraseMissingError
			if err != nil && !errors.As(err, &missing) {
				// Пароль не подошёл как passphrase — ключ может быть без неё
				signer, err = ssh.ParsePrivateKey(pem)
			}
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("parse key file: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if password != "" {
		methods = append(methods, ssh.Password(password))
	}

	if len(methods) == 0 {
		return nil, errors.New("no ssh credentials: set password or key_file")
	}
	return methods, nil
}

// conn возвращает текущее соединение, подключаясь при необходимости.
func (c *Client) conn(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.client != nil {
		return c.client, nil
	}

	config, err := c.clientConfig()
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", c.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial ssh: %w", err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, c.Addr(), config)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	c.client = client
	c.logger.Info("connected to ssh host")

	// Следим за соединением: после разрыва следующий вызов переподключится
	go c.watchConnection(client)

	return client, nil
}

// watchConnection сбрасывает соединение после его закрытия.
func (c *Client) watchConnection(client *ssh.Client) {
	err := client.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != client {
		return
	}
	c.client = nil
	c.sftp = nil

	if !c.closed {
		c.logger.Warn("ssh connection closed", "error", err)
	}
}

// reset закрывает соединение, если оно всё ещё текущее.
func (c *Client) reset(client *ssh.Client) {
	c.mu.Lock()
	if c.client == client {
		c.client = nil
		c.sftp = nil
	}
	c.mu.Unlock()

	client.Close()
}

// Run выполняет команду в новой сессии и возвращает stdout.
//
// Ненулевой код возврата — *remote.CommandError. Отмена ctx прерывает
// команду сигналом KILL и закрывает сессию.
func (c *Client) Run(ctx context.Context, cmd string) ([]byte, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	session, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		return nil, ctx.Err()

	case err := <-done:
		if err == nil {
			return stdout.Bytes(), nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), &remote.CommandError{Cmd: cmd, ExitCode: exitErr.ExitStatus(), Stderr: stderr.String()}
		}
		return nil, fmt.Errorf("run %q: %w", cmd, err)
	}
}

// session открывает сессию; при сломанном соединении переподключается один раз.
func (c *Client) session(ctx context.Context) (*ssh.Session, error) {
	client, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err == nil {
		return session, nil
	}

	c.logger.Warn("ssh session failed, reconnecting", "error", err)
	c.reset(client)

	client, err = c.conn(ctx)
	if err != nil {
		return nil, err
	}
	session, err = client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	return session, nil
}

// SFTP возвращает SFTP клиента поверх текущего соединения.
func (c *Client) SFTP(ctx context.Context) (*sftp.Client, error) {
	client, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sftp != nil && c.client == client {
		return c.sftp, nil
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("open sftp: %w", err)
	}
	c.sftp = sc
	return sc, nil
}

// MaxSessions возвращает ограничение одновременных сессий.
func (c *Client) MaxSessions() int {
	return c.cfg.MaxSessions
}

// Close закрывает соединение.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.sftp != nil {
		if err := c.sftp.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sftp: %w", err))
		}
		c.sftp = nil
	}
	if c.client != nil {
		if err := c.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close ssh: %w", err))
		}
		c.client = nil
	}

	if len(errs) > 0 {
		return errs[0]
	}

	c.logger.Info("ssh connection closed")
	return nil
}

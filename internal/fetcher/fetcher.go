// Package fetcher retrieves raw messages from a remote mailbox.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Credentials are the connection parameters of one remote mailbox.
type Credentials struct {
	Host     string
	Port     int
	Username string
	Password string
	UseSSL   bool
}

func (c Credentials) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Checkpoint marks where the next pass resumes. A nil Since fetches
// everything.
type Checkpoint struct {
	Since *time.Time
}

// RawMessage is one message as delivered by the remote server.
type RawMessage struct {
	RemoteID     uint32
	Folder       string
	FolderAttrs  []string
	Seen         bool
	Flagged      bool
	Draft        bool
	InternalDate time.Time
	Raw          []byte
}

// HandleFunc receives each fetched message in server order. total is the
// number of messages the pass will deliver and index is zero-based.
// Returning an error stops the fetch and is returned unchanged.
type HandleFunc func(total, index int, msg RawMessage) error

// Fetcher is the remote mailbox protocol client.
type Fetcher interface {
	FetchSince(ctx context.Context, creds Credentials, cp Checkpoint, fn HandleFunc) error
	TestConnection(ctx context.Context, creds Credentials) error
}

// AuthError means the server rejected the credentials.
type AuthError struct {
	Username string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.Username, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConnectionError means the server could not be reached or a protocol
// command failed before messages could be listed or fetched.
type ConnectionError struct {
	Addr string
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsConnectionError reports whether err is a ConnectionError or AuthError.
// Both abort a sync pass.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr) || IsAuthError(err)
}

package client

import (
	"context"

	"github.com/tomyedwab/sqlworker/protocol"
)

// Open replaces the worker's database with the one at path, or with image
// when path is empty. Both empty opens a fresh in-memory database.
func (c *Client) Open(ctx context.Context, path string, image []byte) error {
	_, err := c.Call(ctx, protocol.Request{Action: protocol.ActionOpen, Path: path, Buffer: image})
	return err
}

// Exec runs a script and returns a result set for every statement that
// produced rows.
func (c *Client) Exec(ctx context.Context, sql string, params ...any) ([]protocol.ResultSet, error) {
	resp, err := c.Call(ctx, protocol.Request{Action: protocol.ActionExec, SQL: sql, Params: protocol.Values(params...)})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// ExecNamed is Exec with named parameters.
func (c *Client) ExecNamed(ctx context.Context, sql string, named map[string]any) ([]protocol.ResultSet, error) {
	resp, err := c.Call(ctx, protocol.Request{Action: protocol.ActionExec, SQL: sql, Named: namedValues(named)})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Each runs a single statement and calls fn for every row as the worker
// streams it.
func (c *Client) Each(ctx context.Context, sql string, params []any, fn func(cols []string, row []any) error) error {
	req := protocol.Request{Action: protocol.ActionEach, SQL: sql, Params: protocol.Values(params...)}
	return c.Stream(ctx, req, func(resp protocol.Response) error {
		return fn(resp.Columns, protocol.Unwrap(resp.Row))
	})
}

// Export returns an image of the worker's database.
func (c *Client) Export(ctx context.Context) ([]byte, error) {
	resp, err := c.Call(ctx, protocol.Request{Action: protocol.ActionExport})
	if err != nil {
		return nil, err
	}
	return resp.Buffer, nil
}

// CloseDB closes the worker's database. The worker stays up.
func (c *Client) CloseDB(ctx context.Context) error {
	_, err := c.Call(ctx, protocol.Request{Action: protocol.ActionClose})
	return err
}

// Ping checks that the worker answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, protocol.Request{Action: protocol.ActionPing})
	return err
}

// Reset closes the worker's prepared statements and rolls back its
// transaction.
func (c *Client) Reset(ctx context.Context) error {
	_, err := c.Call(ctx, protocol.Request{Action: protocol.ActionReset})
	return err
}

func namedValues(named map[string]any) map[string]protocol.Value {
	if len(named) == 0 {
		return nil
	}
	out := make(map[string]protocol.Value, len(named))
	for k, v := range named {
		out[k] = protocol.Value{V: v}
	}
	return out
}

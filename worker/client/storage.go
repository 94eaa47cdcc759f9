package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
)

type storageRequest struct {
	Project         string `json:"project"`
	Account         string `json:"account"`
	Key             string `json:"key"`
	ValueB64        string `json:"value,omitempty"`
	ExpectedVersion uint64 `json:"expected_version,omitempty"`
	Delta           int64  `json:"delta,omitempty"`
}

// StorageSet implements POST /storage/set, the guest-visible
// storage.set host call.
func (c *Client) StorageSet(ctx context.Context, project, account, key string, value []byte) error {
	return c.storageCall(ctx, "set", storageRequest{Project: project, Account: account, Key: key, ValueB64: base64.StdEncoding.EncodeToString(value)}, nil)
}

// StorageGet implements POST /storage/get.
func (c *Client) StorageGet(ctx context.Context, project, account, key string) (value []byte, found bool, err error) {
	var out struct {
		Found bool   `json:"found"`
		Value string `json:"value"`
	}
	if err := c.storageCall(ctx, "get", storageRequest{Project: project, Account: account, Key: key}, &out); err != nil {
		return nil, false, err
	}
	value, _ = base64.StdEncoding.DecodeString(out.Value)
	return value, out.Found, nil
}

// StorageHas implements POST /storage/has.
func (c *Client) StorageHas(ctx context.Context, project, account, key string) (bool, error) {
	var out struct {
		Exists bool `json:"exists"`
	}
	if err := c.storageCall(ctx, "has", storageRequest{Project: project, Account: account, Key: key}, &out); err != nil {
		return false, err
	}
	return out.Exists, nil
}

// StorageDelete implements POST /storage/delete.
func (c *Client) StorageDelete(ctx context.Context, project, account, key string) error {
	return c.storageCall(ctx, "delete", storageRequest{Project: project, Account: account, Key: key}, nil)
}

// StorageSetIfAbsent implements POST /storage/set-if-absent.
func (c *Client) StorageSetIfAbsent(ctx context.Context, project, account, key string, value []byte) (bool, error) {
	var out struct {
		Set bool `json:"set"`
	}
	if err := c.storageCall(ctx, "set-if-absent", storageRequest{Project: project, Account: account, Key: key, ValueB64: base64.StdEncoding.EncodeToString(value)}, &out); err != nil {
		return false, err
	}
	return out.Set, nil
}

// StorageSetIfEquals implements POST /storage/set-if-equals,
// returning the current (value, version) whether or not the CAS
// succeeded.
func (c *Client) StorageSetIfEquals(ctx context.Context, project, account, key string, expectedVersion uint64, newValue []byte) (currentValue []byte, currentVersion uint64, mismatch bool, err error) {
	var out struct {
		Value   string `json:"value"`
		Version uint64 `json:"version"`
	}
	err = c.storageCall(ctx, "set-if-equals", storageRequest{
		Project: project, Account: account, Key: key,
		ExpectedVersion: expectedVersion, ValueB64: base64.StdEncoding.EncodeToString(newValue),
	}, &out)
	currentValue, _ = base64.StdEncoding.DecodeString(out.Value)
	if err != nil {
		return currentValue, out.Version, true, err
	}
	return currentValue, out.Version, false, nil
}

// StorageIncrement implements POST /storage/increment.
func (c *Client) StorageIncrement(ctx context.Context, project, account, key string, delta int64) (int64, error) {
	var out struct {
		Value int64 `json:"value"`
	}
	if err := c.storageCall(ctx, "increment", storageRequest{Project: project, Account: account, Key: key, Delta: delta}, &out); err != nil {
		return 0, err
	}
	return out.Value, nil
}

// StorageDecrement implements POST /storage/decrement.
func (c *Client) StorageDecrement(ctx context.Context, project, account, key string, delta int64) (int64, error) {
	var out struct {
		Value int64 `json:"value"`
	}
	if err := c.storageCall(ctx, "decrement", storageRequest{Project: project, Account: account, Key: key, Delta: delta}, &out); err != nil {
		return 0, err
	}
	return out.Value, nil
}

// StorageList implements POST /storage/list.
func (c *Client) StorageList(ctx context.Context, project, account string) ([][]byte, error) {
	var out struct {
		Values []string `json:"values"`
	}
	if err := c.storageCall(ctx, "list", storageRequest{Project: project, Account: account}, &out); err != nil {
		return nil, err
	}
	values := make([][]byte, len(out.Values))
	for i, v := range out.Values {
		values[i], _ = base64.StdEncoding.DecodeString(v)
	}
	return values, nil
}

// StorageClearAccount implements POST /storage/clear-account,
// returning how many keys were removed.
func (c *Client) StorageClearAccount(ctx context.Context, project, account string) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	if err := c.storageCall(ctx, "clear-account", storageRequest{Project: project, Account: account}, &out); err != nil {
		return 0, err
	}
	return out.Removed, nil
}

// StorageClearProject implements POST /storage/clear-project.
func (c *Client) StorageClearProject(ctx context.Context, project string) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	if err := c.storageCall(ctx, "clear-project", storageRequest{Project: project}, &out); err != nil {
		return 0, err
	}
	return out.Removed, nil
}

func (c *Client) storageCall(ctx context.Context, op string, req storageRequest, out interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, "/storage/"+op, body, nil)
	if err != nil {
		return err
	}
	return decodeJSON(resp, out)
}

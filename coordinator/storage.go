package coordinator

import "github.com/outlayer-network/outlayer/protocol"

// StorageSet implements storage.set.
func (svc *Service) StorageSet(project, account, key string, value []byte) error {
	return svc.KV.Set(kvKey(project, account, key), value)
}

// StorageGet implements storage.get.
func (svc *Service) StorageGet(project, account, key string) ([]byte, bool, error) {
	return svc.KV.Get(kvKey(project, account, key))
}

// StorageHas implements storage.has.
func (svc *Service) StorageHas(project, account, key string) (bool, error) {
	return svc.KV.Has(kvKey(project, account, key))
}

// StorageDelete implements storage.delete.
func (svc *Service) StorageDelete(project, account, key string) error {
	return svc.KV.Delete(kvKey(project, account, key))
}

// StorageList implements storage.list for one
// (project, account) namespace.
func (svc *Service) StorageList(project, account string) ([][]byte, error) {
	return svc.KV.List(kvKey(project, account, ""))
}

// StorageClearAccount removes every key one (project, account) pair
// holds; StorageClearProject removes every key under the project
// regardless of account.
func (svc *Service) StorageClearAccount(project, account string) (int, error) {
	return svc.KV.ClearPrefix(kvKey(project, account, ""))
}

func (svc *Service) StorageClearProject(project string) (int, error) {
	return svc.KV.ClearPrefix([]byte(project + "\x00"))
}

// StorageSetIfAbsent implements storage.set_if_absent.
func (svc *Service) StorageSetIfAbsent(project, account, key string, value []byte) (bool, error) {
	return svc.KV.SetIfAbsent(kvKey(project, account, key), value)
}

// StorageSetIfEquals implements storage.set_if_equals. On a
// version mismatch it returns the current value/version for
// client-side retry and a StorageVersionMismatch-classified error,
// never touching the stored value.
func (svc *Service) StorageSetIfEquals(project, account, key string, expectedVersion uint64, newValue []byte) (currentValue []byte, currentVersion uint64, err error) {
	ok, cur, ver, err := svc.KV.SetIfEquals(kvKey(project, account, key), expectedVersion, newValue)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return cur, ver, protocol.New(protocol.CodeStorageVersionMismatch, "expected version %d, current is %d", expectedVersion, ver)
	}
	return cur, ver, nil
}

// StorageIncrement implements storage.increment.
func (svc *Service) StorageIncrement(project, account, key string, delta int64) (int64, error) {
	return svc.KV.Increment(kvKey(project, account, key), delta)
}

// StorageDecrement implements storage.decrement.
func (svc *Service) StorageDecrement(project, account, key string, delta int64) (int64, error) {
	return svc.KV.Decrement(kvKey(project, account, key), delta)
}

func kvKey(project, account, key string) []byte {
	return []byte(project + "\x00" + account + "\x00" + key)
}

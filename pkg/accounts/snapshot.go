// Package accounts provides snapshot creation and loading for the accounts database.
package accounts

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/X1-Runtime/internal/types"
)

// Snapshot file format version.
const snapshotVersion uint32 = 1

// Snapshot file magic bytes for format validation.
var snapshotMagic = []byte{'X', '1', 'R', 'N'} // X1 Runtime snapshot

// SnapshotHeader contains metadata about a snapshot.
type SnapshotHeader struct {
	// Version is the snapshot format version.
	Version uint32

	// Slot is the slot at which the snapshot was taken.
	Slot uint64

	// AccountsCount is the number of accounts in the snapshot.
	AccountsCount uint64

	// AccountsHash is the merkle root of all accounts at this slot.
	AccountsHash types.Hash
}

// SnapshotWriter writes accounts to a snapshot file.
// Snapshot format:
//   - Magic (4 bytes): "X1RN"
//   - Version (4 bytes, little-endian)
//   - Slot (8 bytes, little-endian)
//   - AccountsCount (8 bytes, little-endian)
//   - AccountsHash (32 bytes)
//   - Accounts data (zstd stream):
//   - For each account:
//   - Pubkey (32 bytes)
//   - AccountSize (4 bytes, little-endian)
//   - AccountData (variable, serialized account)
type SnapshotWriter struct {
	file    *os.File
	zWriter *zstd.Encoder
	writer  *bufio.Writer
	header  SnapshotHeader
	count   uint64
}

// NewSnapshotWriter creates a new snapshot writer.
func NewSnapshotWriter(path string, slot uint64, accountsHash types.Hash) (*SnapshotWriter, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create snapshot file: %w", err)
	}

	sw := &SnapshotWriter{
		file: file,
		header: SnapshotHeader{
			Version:      snapshotVersion,
			Slot:         slot,
			AccountsHash: accountsHash,
		},
	}

	// Write placeholder header (rewritten at close with the final count)
	if err := sw.writeHeader(); err != nil {
		file.Close()
		os.Remove(path)
		return nil, err
	}

	sw.zWriter, err = zstd.NewWriter(file)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("init zstd writer: %w", err)
	}
	sw.writer = bufio.NewWriter(sw.zWriter)

	return sw, nil
}

// writeHeader writes the snapshot header.
func (sw *SnapshotWriter) writeHeader() error {
	if _, err := sw.file.Write(snapshotMagic); err != nil {
		return err
	}

	buf := make([]byte, 52) // 4 + 8 + 8 + 32
	offset := 0

	binary.LittleEndian.PutUint32(buf[offset:], sw.header.Version)
	offset += 4

	binary.LittleEndian.PutUint64(buf[offset:], sw.header.Slot)
	offset += 8

	binary.LittleEndian.PutUint64(buf[offset:], sw.header.AccountsCount)
	offset += 8

	copy(buf[offset:], sw.header.AccountsHash[:])

	_, err := sw.file.Write(buf)
	return err
}

// WriteAccount writes a single account to the snapshot.
func (sw *SnapshotWriter) WriteAccount(pubkey types.Pubkey, account *Account) error {
	if _, err := sw.writer.Write(pubkey[:]); err != nil {
		return err
	}

	data := account.Serialize()

	sizeBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(sizeBuf, uint32(len(data)))
	if _, err := sw.writer.Write(sizeBuf); err != nil {
		return err
	}

	if _, err := sw.writer.Write(data); err != nil {
		return err
	}

	sw.count++
	return nil
}

// Close finalizes and closes the snapshot.
func (sw *SnapshotWriter) Close() error {
	if err := sw.writer.Flush(); err != nil {
		return err
	}
	if err := sw.zWriter.Close(); err != nil {
		return err
	}

	// Rewrite header with final count
	sw.header.AccountsCount = sw.count
	if _, err := sw.file.Seek(0, 0); err != nil {
		return err
	}
	if err := sw.writeHeader(); err != nil {
		return err
	}

	return sw.file.Close()
}

// SnapshotReader reads accounts from a snapshot file.
type SnapshotReader struct {
	file    *os.File
	zReader *zstd.Decoder
	reader  *bufio.Reader
	Header  SnapshotHeader
	read    uint64
}

// OpenSnapshot opens a snapshot file for reading.
func OpenSnapshot(path string) (*SnapshotReader, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("open snapshot: %w", err)
	}

	sr := &SnapshotReader{
		file: file,
	}

	if err := sr.readHeader(); err != nil {
		file.Close()
		return nil, err
	}

	sr.zReader, err = zstd.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("init zstd reader: %w", err)
	}
	sr.reader = bufio.NewReader(sr.zReader)

	return sr, nil
}

// readHeader reads and validates the snapshot header.
func (sr *SnapshotReader) readHeader() error {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(sr.file, magic); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != string(snapshotMagic) {
		return fmt.Errorf("invalid snapshot magic: %s", magic)
	}

	buf := make([]byte, 52)
	if _, err := io.ReadFull(sr.file, buf); err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	offset := 0

	sr.Header.Version = binary.LittleEndian.Uint32(buf[offset:])
	offset += 4
	if sr.Header.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version: %d", sr.Header.Version)
	}

	sr.Header.Slot = binary.LittleEndian.Uint64(buf[offset:])
	offset += 8

	sr.Header.AccountsCount = binary.LittleEndian.Uint64(buf[offset:])
	offset += 8

	copy(sr.Header.AccountsHash[:], buf[offset:])

	return nil
}

// ReadAccount reads the next account from the snapshot.
// Returns io.EOF when all accounts have been read.
func (sr *SnapshotReader) ReadAccount() (types.Pubkey, *Account, error) {
	if sr.read >= sr.Header.AccountsCount {
		return types.Pubkey{}, nil, io.EOF
	}

	var pubkey types.Pubkey
	if _, err := io.ReadFull(sr.reader, pubkey[:]); err != nil {
		return types.Pubkey{}, nil, fmt.Errorf("read pubkey: %w", err)
	}

	sizeBuf := make([]byte, 4)
	if _, err := io.ReadFull(sr.reader, sizeBuf); err != nil {
		return types.Pubkey{}, nil, fmt.Errorf("read size: %w", err)
	}
	size := binary.LittleEndian.Uint32(sizeBuf)

	// Bound the allocation (max account data + fixed field overhead)
	const maxAccountSerializedSize = MaxDataSize + 100
	if size > maxAccountSerializedSize {
		return types.Pubkey{}, nil, fmt.Errorf("account size %d exceeds maximum %d", size, maxAccountSerializedSize)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(sr.reader, data); err != nil {
		return types.Pubkey{}, nil, fmt.Errorf("read account data: %w", err)
	}

	account, err := Deserialize(data)
	if err != nil {
		return types.Pubkey{}, nil, fmt.Errorf("deserialize account: %w", err)
	}

	sr.read++
	return pubkey, account, nil
}

// Close closes the snapshot reader.
func (sr *SnapshotReader) Close() error {
	if sr.zReader != nil {
		sr.zReader.Close()
	}
	return sr.file.Close()
}

// CreateSnapshot creates a snapshot of a BadgerDB database.
func (b *BadgerDB) CreateSnapshot(path string) error {
	if b.closed.Load() {
		return ErrClosed
	}

	hasher := NewHashComputer(b)
	accountsHash, err := hasher.ComputeAccountsHash()
	if err != nil {
		return fmt.Errorf("compute accounts hash: %w", err)
	}

	writer, err := NewSnapshotWriter(path, b.GetSlot(), accountsHash)
	if err != nil {
		return err
	}

	err = b.IterateAccounts(func(pubkey types.Pubkey, account *Account) error {
		return writer.WriteAccount(pubkey, account)
	})
	if err != nil {
		writer.file.Close()
		return fmt.Errorf("write accounts: %w", err)
	}

	return writer.Close()
}

// LoadSnapshot loads state from a snapshot file, verifying the accounts hash.
func (b *BadgerDB) LoadSnapshot(path string) error {
	if b.closed.Load() {
		return ErrClosed
	}

	reader, err := OpenSnapshot(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	batch := b.NewBatchWriter()
	batchSize := 0
	maxBatchSize := 1000

	for {
		pubkey, account, err := reader.ReadAccount()
		if err == io.EOF {
			break
		}
		if err != nil {
			batch.Cancel()
			return fmt.Errorf("read account: %w", err)
		}

		if err := batch.SetAccount(pubkey, account); err != nil {
			batch.Cancel()
			return fmt.Errorf("set account: %w", err)
		}

		batchSize++
		if batchSize >= maxBatchSize {
			if err := batch.Flush(); err != nil {
				return fmt.Errorf("flush batch: %w", err)
			}
			batch = b.NewBatchWriter()
			batchSize = 0
		}
	}

	if batchSize > 0 {
		if err := batch.Flush(); err != nil {
			return fmt.Errorf("flush final batch: %w", err)
		}
	}

	if err := b.SetSlot(reader.Header.Slot); err != nil {
		return fmt.Errorf("set slot: %w", err)
	}

	hasher := NewHashComputer(b)
	computedHash, err := hasher.ComputeAccountsHash()
	if err != nil {
		return fmt.Errorf("compute hash: %w", err)
	}
	if computedHash != reader.Header.AccountsHash {
		return fmt.Errorf("accounts hash mismatch: expected %s, got %s",
			reader.Header.AccountsHash.String(), computedHash.String())
	}

	return nil
}

// CreateSnapshot creates a snapshot of a MemoryDB.
func (m *MemoryDB) CreateSnapshot(path string) error {
	if m.closed {
		return ErrClosed
	}

	hasher := NewHashComputer(m)
	accountsHash, err := hasher.ComputeAccountsHash()
	if err != nil {
		return fmt.Errorf("compute accounts hash: %w", err)
	}

	writer, err := NewSnapshotWriter(path, m.GetSlot(), accountsHash)
	if err != nil {
		return err
	}

	err = m.IterateAccounts(func(pubkey types.Pubkey, account *Account) error {
		return writer.WriteAccount(pubkey, account)
	})
	if err != nil {
		writer.file.Close()
		return fmt.Errorf("write accounts: %w", err)
	}

	return writer.Close()
}

// LoadSnapshot loads state from a snapshot into a MemoryDB, replacing its
// contents.
func (m *MemoryDB) LoadSnapshot(path string) error {
	if m.closed {
		return ErrClosed
	}

	reader, err := OpenSnapshot(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	m.accounts = make(map[types.Pubkey]*Account)

	for {
		pubkey, account, err := reader.ReadAccount()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read account: %w", err)
		}
		m.accounts[pubkey] = account
	}

	m.slot = reader.Header.Slot

	hasher := NewHashComputer(m)
	computedHash, err := hasher.ComputeAccountsHash()
	if err != nil {
		return fmt.Errorf("compute hash: %w", err)
	}
	if computedHash != reader.Header.AccountsHash {
		return fmt.Errorf("accounts hash mismatch: expected %s, got %s",
			reader.Header.AccountsHash.String(), computedHash.String())
	}

	return nil
}

// GetSnapshotHeader returns the header of a snapshot file without loading it.
func GetSnapshotHeader(path string) (*SnapshotHeader, error) {
	reader, err := OpenSnapshot(path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return &reader.Header, nil
}

// SnapshotFilename returns the standard filename for a snapshot.
// Format: snapshot-{slot}-{hash prefix}.x1snap
func SnapshotFilename(slot uint64, hash types.Hash) string {
	return fmt.Sprintf("snapshot-%d-%s.x1snap", slot, hash.String()[:16])
}

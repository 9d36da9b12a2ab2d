package accounts

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/ledgerfuzz/internal/types"
)

// Dump format version.
const dumpVersion uint32 = 1

// dumpMagic prefixes every ledger dump.
var dumpMagic = []byte{'L', 'F', 'D', 'P'}

// ErrBadDump is returned when a dump fails validation.
var ErrBadDump = errors.New("invalid ledger dump")

// DumpHeader describes a ledger dump.
type DumpHeader struct {
	Version       uint32
	AccountsCount uint64
	StateHash     types.Hash
}

// WriteDump writes every account in db to w.
//
// Format:
//   - Magic (4 bytes): "LFDP"
//   - Version (4 bytes, little-endian)
//   - AccountsCount (8 bytes, little-endian)
//   - StateHash (32 bytes)
//   - zstd stream of, per account:
//   - Pubkey (32 bytes)
//   - AccountSize (4 bytes, little-endian)
//   - Serialized account
func WriteDump(w io.Writer, db DB) (DumpHeader, error) {
	hdr := DumpHeader{Version: dumpVersion}

	count, err := db.AccountsCount()
	if err != nil {
		return hdr, err
	}
	hdr.AccountsCount = count
	if hdr.StateHash, err = ComputeStateHash(db); err != nil {
		return hdr, fmt.Errorf("compute state hash: %w", err)
	}

	if err := writeDumpHeader(w, hdr); err != nil {
		return hdr, err
	}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return hdr, err
	}
	bw := bufio.NewWriter(enc)

	sizeBuf := make([]byte, 4)
	err = db.IterateAccounts(func(pubkey types.Pubkey, account *Account) error {
		if _, err := bw.Write(pubkey[:]); err != nil {
			return err
		}
		data := account.Serialize()
		binary.LittleEndian.PutUint32(sizeBuf, uint32(len(data)))
		if _, err := bw.Write(sizeBuf); err != nil {
			return err
		}
		_, err := bw.Write(data)
		return err
	})
	if err != nil {
		enc.Close()
		return hdr, fmt.Errorf("write accounts: %w", err)
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return hdr, err
	}
	return hdr, enc.Close()
}

func writeDumpHeader(w io.Writer, hdr DumpHeader) error {
	buf := make([]byte, 4+4+8+32)
	copy(buf, dumpMagic)
	binary.LittleEndian.PutUint32(buf[4:], hdr.Version)
	binary.LittleEndian.PutUint64(buf[8:], hdr.AccountsCount)
	copy(buf[16:], hdr.StateHash[:])
	_, err := w.Write(buf)
	return err
}

// ReadDump loads a dump from r into db, replacing accounts with the same
// key. The state hash of db is verified against the header afterwards, so db
// should be empty beforehand.
func ReadDump(r io.Reader, db DB) (DumpHeader, error) {
	var hdr DumpHeader

	buf := make([]byte, 4+4+8+32)
	if _, err := io.ReadFull(r, buf); err != nil {
		return hdr, fmt.Errorf("read header: %w", err)
	}
	if string(buf[:4]) != string(dumpMagic) {
		return hdr, fmt.Errorf("%w: bad magic %q", ErrBadDump, buf[:4])
	}
	hdr.Version = binary.LittleEndian.Uint32(buf[4:])
	if hdr.Version != dumpVersion {
		return hdr, fmt.Errorf("%w: unsupported version %d", ErrBadDump, hdr.Version)
	}
	hdr.AccountsCount = binary.LittleEndian.Uint64(buf[8:])
	copy(hdr.StateHash[:], buf[16:])

	dec, err := zstd.NewReader(r)
	if err != nil {
		return hdr, err
	}
	defer dec.Close()
	br := bufio.NewReader(dec)

	const maxAccountSerializedSize = MaxAccountDataSize + 100
	sizeBuf := make([]byte, 4)
	for i := uint64(0); i < hdr.AccountsCount; i++ {
		var pubkey types.Pubkey
		if _, err := io.ReadFull(br, pubkey[:]); err != nil {
			return hdr, fmt.Errorf("read pubkey: %w", err)
		}
		if _, err := io.ReadFull(br, sizeBuf); err != nil {
			return hdr, fmt.Errorf("read size: %w", err)
		}
		size := binary.LittleEndian.Uint32(sizeBuf)
		if size > maxAccountSerializedSize {
			return hdr, fmt.Errorf("%w: account size %d exceeds maximum", ErrBadDump, size)
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(br, data); err != nil {
			return hdr, fmt.Errorf("read account data: %w", err)
		}
		account, err := DeserializeAccount(data)
		if err != nil {
			return hdr, fmt.Errorf("deserialize account %s: %w", pubkey, err)
		}
		if err := db.SetAccount(pubkey, account); err != nil {
			return hdr, err
		}
	}

	got, err := ComputeStateHash(db)
	if err != nil {
		return hdr, err
	}
	if got != hdr.StateHash {
		return hdr, fmt.Errorf("%w: state hash mismatch: expected %s, got %s", ErrBadDump, hdr.StateHash, got)
	}
	return hdr, nil
}

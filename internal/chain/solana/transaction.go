package solana

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/mr-tron/base58"
)

type AccountMeta struct {
	PublicKey  PublicKey
	IsSigner   bool
	IsWritable bool
}

type Instruction struct {
	ProgramID PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

// CompileMessage encodes a legacy message with payer as the fee payer.
// Account order: writable signers, readonly signers, writable non-signers,
// readonly non-signers; the payer is always first.
func CompileMessage(payer PublicKey, instructions []Instruction, recentBlockhash string) ([]byte, error) {
	blockhash, err := base58.Decode(recentBlockhash)
	if err != nil || len(blockhash) != 32 {
		return nil, fmt.Errorf("invalid recent blockhash %q", recentBlockhash)
	}
	if len(instructions) == 0 {
		return nil, errors.New("message has no instructions")
	}

	type entry struct {
		key      PublicKey
		signer   bool
		writable bool
		order    int
	}
	entries := map[PublicKey]*entry{payer: {key: payer, signer: true, writable: true, order: 0}}
	next := 1
	add := func(key PublicKey, signer, writable bool) {
		if e, ok := entries[key]; ok {
			e.signer = e.signer || signer
			e.writable = e.writable || writable
			return
		}
		entries[key] = &entry{key: key, signer: signer, writable: writable, order: next}
		next++
	}
	for _, ix := range instructions {
		for _, acc := range ix.Accounts {
			add(acc.PublicKey, acc.IsSigner, acc.IsWritable)
		}
		add(ix.ProgramID, false, false)
	}

	ordered := make([]*entry, 0, len(entries))
	for _, e := range entries {
		ordered = append(ordered, e)
	}
	rank := func(e *entry) int {
		switch {
		case e.key == payer:
			return 0
		case e.signer && e.writable:
			return 1
		case e.signer:
			return 2
		case e.writable:
			return 3
		default:
			return 4
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := rank(ordered[i]), rank(ordered[j])
		if ri != rj {
			return ri < rj
		}
		return ordered[i].order < ordered[j].order
	})

	var numSigners, roSigned, roUnsigned byte
	index := make(map[PublicKey]byte, len(ordered))
	for i, e := range ordered {
		index[e.key] = byte(i)
		if e.signer {
			numSigners++
			if !e.writable {
				roSigned++
			}
		} else if !e.writable {
			roUnsigned++
		}
	}

	msg := []byte{numSigners, roSigned, roUnsigned}
	msg = appendCompactU16(msg, len(ordered))
	for _, e := range ordered {
		msg = append(msg, e.key[:]...)
	}
	msg = append(msg, blockhash...)
	msg = appendCompactU16(msg, len(instructions))
	for _, ix := range instructions {
		msg = append(msg, index[ix.ProgramID])
		msg = appendCompactU16(msg, len(ix.Accounts))
		for _, acc := range ix.Accounts {
			msg = append(msg, index[acc.PublicKey])
		}
		msg = appendCompactU16(msg, len(ix.Data))
		msg = append(msg, ix.Data...)
	}
	return msg, nil
}

// Transaction is a wire transaction: a signature slot per required signer and
// the serialized message (legacy or versioned).
type Transaction struct {
	Signatures [][64]byte
	Message    []byte
}

// NewTransaction allocates empty signature slots for a compiled legacy message.
func NewTransaction(message []byte) (Transaction, error) {
	if len(message) < 3 {
		return Transaction{}, errors.New("message too short")
	}
	return Transaction{Signatures: make([][64]byte, message[0]), Message: message}, nil
}

// DecodeTransaction parses a base64 wire transaction.
func DecodeTransaction(b64 string) (Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Transaction{}, fmt.Errorf("decode transaction: %w", err)
	}
	n, offset, err := readCompactU16(raw)
	if err != nil {
		return Transaction{}, err
	}
	if len(raw) < offset+n*64 {
		return Transaction{}, errors.New("transaction truncated in signatures")
	}
	tx := Transaction{Signatures: make([][64]byte, n)}
	for i := 0; i < n; i++ {
		copy(tx.Signatures[i][:], raw[offset+i*64:offset+(i+1)*64])
	}
	tx.Message = raw[offset+n*64:]
	if len(tx.Message) == 0 {
		return Transaction{}, errors.New("transaction has no message")
	}
	return tx, nil
}

// SignFeePayer signs the message into slot 0.
func (t *Transaction) SignFeePayer(k Keypair) error {
	if len(t.Signatures) == 0 {
		return errors.New("transaction has no signature slots")
	}
	t.Signatures[0] = k.Sign(t.Message)
	return nil
}

// Signature returns the base58 fee payer signature, which is the transaction id.
func (t Transaction) Signature() string {
	if len(t.Signatures) == 0 {
		return ""
	}
	return base58.Encode(t.Signatures[0][:])
}

func (t Transaction) Serialize() []byte {
	out := appendCompactU16(nil, len(t.Signatures))
	for _, sig := range t.Signatures {
		out = append(out, sig[:]...)
	}
	return append(out, t.Message...)
}

func (t Transaction) Base64() string {
	return base64.StdEncoding.EncodeToString(t.Serialize())
}

// SetComputeUnitPrice builds a compute budget instruction setting the priority fee.
func SetComputeUnitPrice(microLamports uint64) Instruction {
	data := make([]byte, 9)
	data[0] = 3
	binary.LittleEndian.PutUint64(data[1:], microLamports)
	return Instruction{ProgramID: ComputeBudgetProgramID, Data: data}
}

func appendCompactU16(buf []byte, v int) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(buf, b)
		}
		buf = append(buf, b|0x80)
	}
}

func readCompactU16(buf []byte) (int, int, error) {
	v := 0
	for i := 0; i < 3; i++ {
		if i >= len(buf) {
			return 0, 0, errors.New("truncated compact-u16")
		}
		b := buf[i]
		v |= int(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, errors.New("compact-u16 overflow")
}

package utxo

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
)

// estimateVSize approximates the virtual size of a transaction spending nIn
// single-key inputs into nOut outputs.
func estimateVSize(segwit bool, nIn, nOut int) int64 {
	if segwit {
		return int64(11 + 68*nIn + 31*nOut)
	}
	return int64(10 + 148*nIn + 34*nOut)
}

type output struct {
	script []byte
	value  int64
}

// buildSigned assembles and signs a transaction spending every unspent with
// the escrow key. prevScript is the escrow address output script.
func (n *Network) buildSigned(key *btcutil.WIF, prevScript []byte, unspents []Unspent, outputs []output) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	for _, u := range unspents {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("utxo: parse txid %s: %w", u.TxID, err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, u.Vout), nil, nil))
	}
	for _, out := range outputs {
		tx.AddTxOut(wire.NewTxOut(out.value, out.script))
	}

	switch {
	case n.SegWit:
		sigHashes := txscript.NewTxSigHashes(tx)
		for i, u := range unspents {
			witness, err := txscript.WitnessSignature(tx, sigHashes, i, u.Value, prevScript, txscript.SigHashAll, key.PrivKey, true)
			if err != nil {
				return nil, fmt.Errorf("utxo: sign input %d: %w", i, err)
			}
			tx.TxIn[i].Witness = witness
		}
	case n.forkID():
		sigHashes := txscript.NewTxSigHashes(tx)
		hashType := txscript.SigHashAll | sigHashForkID
		pub := key.SerializePubKey()
		for i, u := range unspents {
			digest, err := txscript.CalcWitnessSigHash(prevScript, sigHashes, hashType, tx, i, u.Value)
			if err != nil {
				return nil, fmt.Errorf("utxo: digest input %d: %w", i, err)
			}
			sig, err := key.PrivKey.Sign(digest)
			if err != nil {
				return nil, fmt.Errorf("utxo: sign input %d: %w", i, err)
			}
			script, err := txscript.NewScriptBuilder().
				AddData(append(sig.Serialize(), byte(hashType))).
				AddData(pub).
				Script()
			if err != nil {
				return nil, err
			}
			tx.TxIn[i].SignatureScript = script
		}
	default:
		for i := range unspents {
			script, err := txscript.SignatureScript(tx, i, prevScript, txscript.SigHashAll, key.PrivKey, true)
			if err != nil {
				return nil, fmt.Errorf("utxo: sign input %d: %w", i, err)
			}
			tx.TxIn[i].SignatureScript = script
		}
	}
	return tx, nil
}

func serializeHex(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("utxo: serialize: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

package utxo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"

	"p2pescrow/native/escrow"
)

// sigHashForkID marks Bitcoin Cash signatures (replay protection).
const sigHashForkID txscript.SigHashType = 0x40

var (
	ltcMainNetParams = chaincfg.Params{
		Name:             "litecoin",
		Net:              wire.BitcoinNet(0xdbb6c0fb),
		Bech32HRPSegwit:  "ltc",
		PubKeyHashAddrID: 0x30,
		ScriptHashAddrID: 0x32,
		PrivateKeyID:     0xb0,
		HDPrivateKeyID:   [4]byte{0x01, 0x9d, 0x9c, 0xfe},
		HDPublicKeyID:    [4]byte{0x01, 0x9d, 0xa4, 0x62},
		HDCoinType:       2,
	}
	ltcTestNetParams = chaincfg.Params{
		Name:             "litecoin-testnet4",
		Net:              wire.BitcoinNet(0xf1c8d2fd),
		Bech32HRPSegwit:  "tltc",
		PubKeyHashAddrID: 0x6f,
		ScriptHashAddrID: 0x3a,
		PrivateKeyID:     0xef,
		HDPrivateKeyID:   [4]byte{0x04, 0x36, 0xef, 0x7d},
		HDPublicKeyID:    [4]byte{0x04, 0x36, 0xf6, 0xe1},
		HDCoinType:       1,
	}
	dogeMainNetParams = chaincfg.Params{
		Name:             "dogecoin",
		Net:              wire.BitcoinNet(0xc0c0c0c0),
		PubKeyHashAddrID: 0x1e,
		ScriptHashAddrID: 0x16,
		PrivateKeyID:     0x9e,
		HDCoinType:       3,
	}
	dogeTestNetParams = chaincfg.Params{
		Name:             "dogecoin-testnet",
		Net:              wire.BitcoinNet(0xdcb7c1fc),
		PubKeyHashAddrID: 0x71,
		ScriptHashAddrID: 0xc4,
		PrivateKeyID:     0xf1,
		HDCoinType:       1,
	}
)

func init() {
	// Litecoin bech32 prefixes must be known to btcutil.DecodeAddress.
	for _, params := range []*chaincfg.Params{&ltcMainNetParams, &ltcTestNetParams} {
		if err := chaincfg.Register(params); err != nil && !errors.Is(err, chaincfg.ErrDuplicateNet) {
			panic(err)
		}
	}
}

// Network describes how one UTXO coin encodes keys, addresses and signatures.
type Network struct {
	Coin   escrow.Coin
	Params *chaincfg.Params
	// SegWit selects P2WPKH escrow addresses instead of P2PKH.
	SegWit bool
	// CashAddrPrefix is set for Bitcoin Cash.
	CashAddrPrefix string
}

// NetworkFor returns the network definition of a UTXO coin.
func NetworkFor(coin escrow.Coin, testnet bool) (*Network, error) {
	switch coin {
	case escrow.CoinBTC:
		params := &chaincfg.MainNetParams
		if testnet {
			params = &chaincfg.TestNet3Params
		}
		return &Network{Coin: coin, Params: params, SegWit: true}, nil
	case escrow.CoinBCH:
		params, prefix := &chaincfg.MainNetParams, "bitcoincash"
		if testnet {
			params, prefix = &chaincfg.TestNet3Params, "bchtest"
		}
		return &Network{Coin: coin, Params: params, CashAddrPrefix: prefix}, nil
	case escrow.CoinLTC:
		params := &ltcMainNetParams
		if testnet {
			params = &ltcTestNetParams
		}
		return &Network{Coin: coin, Params: params}, nil
	case escrow.CoinDOGE:
		params := &dogeMainNetParams
		if testnet {
			params = &dogeTestNetParams
		}
		return &Network{Coin: coin, Params: params}, nil
	default:
		return nil, fmt.Errorf("%w: %s is not a utxo coin", escrow.ErrUnsupportedCoin, coin)
	}
}

func (n *Network) forkID() bool { return n.CashAddrPrefix != "" }

// NewKey generates a fresh compressed secp256k1 key.
func (n *Network) NewKey() (*btcutil.WIF, error) {
	priv, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		return nil, fmt.Errorf("utxo: generate key: %w", err)
	}
	return btcutil.NewWIF(priv, n.Params, true)
}

// DecodeKey parses a stored WIF and checks it belongs to the network.
func (n *Network) DecodeKey(secret string) (*btcutil.WIF, error) {
	wif, err := btcutil.DecodeWIF(strings.TrimSpace(secret))
	if err != nil {
		return nil, fmt.Errorf("utxo: decode %s key: %w", n.Coin, err)
	}
	if !wif.IsForNet(n.Params) {
		return nil, fmt.Errorf("utxo: key is not for %s", n.Params.Name)
	}
	return wif, nil
}

// EscrowAddress derives the deposit address controlled by key.
func (n *Network) EscrowAddress(wif *btcutil.WIF) (btcutil.Address, error) {
	hash := btcutil.Hash160(wif.SerializePubKey())
	if n.SegWit {
		return btcutil.NewAddressWitnessPubKeyHash(hash, n.Params)
	}
	return btcutil.NewAddressPubKeyHash(hash, n.Params)
}

// Display renders addr the way users of the coin expect to see it.
func (n *Network) Display(addr btcutil.Address) string {
	if n.CashAddrPrefix != "" {
		switch a := addr.(type) {
		case *btcutil.AddressPubKeyHash:
			return encodeCashAddr(n.CashAddrPrefix, cashAddrP2PKH, a.Hash160()[:])
		case *btcutil.AddressScriptHash:
			return encodeCashAddr(n.CashAddrPrefix, cashAddrP2SH, a.Hash160()[:])
		}
	}
	return addr.EncodeAddress()
}

// DestinationScript validates a user supplied address and returns its output
// script.
func (n *Network) DestinationScript(raw string) ([]byte, error) {
	addr, err := n.decodeAddress(escrow.CleanAddress(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", escrow.ErrInvalidDestination, err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", escrow.ErrInvalidDestination, err)
	}
	return script, nil
}

func (n *Network) decodeAddress(raw string) (btcutil.Address, error) {
	if raw == "" {
		return nil, errors.New("empty address")
	}
	if n.CashAddrPrefix != "" && looksLikeCashAddr(raw, n.CashAddrPrefix) {
		typ, hash, err := decodeCashAddr(raw, n.CashAddrPrefix)
		if err != nil {
			return nil, err
		}
		if typ == cashAddrP2SH {
			return btcutil.NewAddressScriptHashFromHash(hash, n.Params)
		}
		return btcutil.NewAddressPubKeyHash(hash, n.Params)
	}
	addr, err := btcutil.DecodeAddress(raw, n.Params)
	if err != nil {
		return nil, err
	}
	if !addr.IsForNet(n.Params) {
		return nil, fmt.Errorf("address %s is not for %s", raw, n.Params.Name)
	}
	if !n.SegWit {
		switch addr.(type) {
		case *btcutil.AddressWitnessPubKeyHash, *btcutil.AddressWitnessScriptHash:
			if n.Params.Bech32HRPSegwit == "" || n.forkID() {
				return nil, fmt.Errorf("segwit address not supported on %s", n.Params.Name)
			}
		}
	}
	return addr, nil
}

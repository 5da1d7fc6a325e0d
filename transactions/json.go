package transactions

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/bitvm/bridge/musig"
	"github.com/btcsuite/btcd/wire"
)

// hexBytes is a byte slice encoded as a hex string.
type hexBytes []byte

// MarshalText encodes the bytes as hex.
func (h hexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h)), nil
}

// UnmarshalText decodes hex. The empty string decodes to nil.
func (h *hexBytes) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*h = nil
		return nil
	}

	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	*h = b

	return nil
}

type prevOutJSON struct {
	Value        int64    `json:"value"`
	ScriptPubKey hexBytes `json:"script_pubkey"`
}

type preSignedJSON struct {
	Tx               hexBytes                            `json:"tx"`
	PrevOuts         []prevOutJSON                       `json:"prev_outs"`
	PrevScripts      []hexBytes                          `json:"prev_scripts"`
	Musig2Nonces     map[int]map[string]musig.PubNonce   `json:"musig2_nonces"`
	Musig2Signatures map[int]map[string]musig.PartialSig `json:"musig2_signatures"`
	Signatures       map[int]map[string]hexBytes         `json:"signatures"`
}

// MarshalJSON encodes the transaction without witnesses together with its
// signing data.
func (p *PreSignedTx) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := p.Tx.SerializeNoWitness(&buf); err != nil {
		return nil, err
	}

	out := preSignedJSON{
		Tx:               buf.Bytes(),
		PrevOuts:         make([]prevOutJSON, len(p.PrevOuts)),
		PrevScripts:      make([]hexBytes, len(p.PrevScripts)),
		Musig2Nonces:     p.Musig2Nonces,
		Musig2Signatures: p.Musig2Signatures,
		Signatures:       make(map[int]map[string]hexBytes),
	}
	for i, prevOut := range p.PrevOuts {
		out.PrevOuts[i] = prevOutJSON{
			Value:        prevOut.Value,
			ScriptPubKey: prevOut.PkScript,
		}
	}
	for i, script := range p.PrevScripts {
		out.PrevScripts[i] = script
	}
	for idx, sigs := range p.Signatures {
		out.Signatures[idx] = make(map[string]hexBytes, len(sigs))
		for id, sig := range sigs {
			out.Signatures[idx][id] = sig
		}
	}

	return json.Marshal(out)
}

// UnmarshalJSON decodes a transaction written by MarshalJSON. The result
// must be loaded into a rebuilt transaction before it can be signed or
// finalized.
func (p *PreSignedTx) UnmarshalJSON(b []byte) error {
	var raw preSignedJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	tx := wire.NewMsgTx(2)
	if err := tx.DeserializeNoWitness(bytes.NewReader(raw.Tx)); err != nil {
		return fmt.Errorf("unable to decode transaction: %w", err)
	}
	if len(raw.PrevOuts) != len(tx.TxIn) ||
		len(raw.PrevScripts) != len(tx.TxIn) {

		return fmt.Errorf("transaction has %d inputs but %d prevouts "+
			"and %d prev scripts", len(tx.TxIn), len(raw.PrevOuts),
			len(raw.PrevScripts))
	}

	p.Tx = tx
	p.PrevOuts = make([]*wire.TxOut, len(raw.PrevOuts))
	for i, prevOut := range raw.PrevOuts {
		p.PrevOuts[i] = wire.NewTxOut(
			prevOut.Value, prevOut.ScriptPubKey,
		)
	}
	p.PrevScripts = make([][]byte, len(raw.PrevScripts))
	for i, script := range raw.PrevScripts {
		p.PrevScripts[i] = script
	}

	p.Musig2Nonces = raw.Musig2Nonces
	if p.Musig2Nonces == nil {
		p.Musig2Nonces = make(map[int]map[string]musig.PubNonce)
	}
	p.Musig2Signatures = raw.Musig2Signatures
	if p.Musig2Signatures == nil {
		p.Musig2Signatures = make(map[int]map[string]musig.PartialSig)
	}
	p.Signatures = make(map[int]map[string][]byte, len(raw.Signatures))
	for idx, sigs := range raw.Signatures {
		p.Signatures[idx] = make(map[string][]byte, len(sigs))
		for id, sig := range sigs {
			p.Signatures[idx][id] = sig
		}
	}

	return nil
}

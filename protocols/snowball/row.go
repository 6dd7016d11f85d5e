package snowball

import (
	"encoding/binary"

	"github.com/luxfi/snowball/internal/curve"
	"github.com/luxfi/snowball/pkg/txmodel"
)

// serializeRow encodes a proposed output into the session's negotiated
// fixed-width row (§4.3 step 3): recipient point, amount, blinding
// gamma, cloaking delta, unlock time, and the optional payload bytes,
// truncated or zero-padded to rowLen.
func serializeRow(u *txmodel.ProposedUTXO, rowLen int) []byte {
	out := make([]byte, 0, rowLen)
	out = append(out, u.Recipient.Bytes()...)
	var amt [8]byte
	binary.BigEndian.PutUint64(amt[:], uint64(u.Amount))
	out = append(out, amt[:]...)
	out = append(out, u.Gamma.Bytes()...)
	out = append(out, u.Delta.Bytes()...)
	var unlock [8]byte
	binary.BigEndian.PutUint64(unlock[:], uint64(u.UnlockTime))
	out = append(out, unlock[:]...)
	out = append(out, u.Data...)
	if len(out) > rowLen {
		out = out[:rowLen]
	}
	for len(out) < rowLen {
		out = append(out, 0)
	}
	return out
}

// deserializeRow is the inverse of serializeRow. A zero-filled padding
// row (or any row whose recipient bytes do not decode to a valid curve
// point) fails to parse here, which is how padding and cheating both
// surface as "unparseable" per §4.5 step 3 and the policy flag in §9.
func deserializeRow(row []byte) (*txmodel.ProposedUTXO, error) {
	if len(row) < RecipientLen+8+2*curve.ScalarSize+8 {
		return nil, errShortRow
	}
	off := 0
	recipient, err := curve.PointFromBytes(row[off : off+RecipientLen])
	if err != nil {
		return nil, err
	}
	off += RecipientLen
	amount := int64(binary.BigEndian.Uint64(row[off : off+8]))
	off += 8
	gamma := curve.ScalarFromBytes(row[off : off+curve.ScalarSize])
	off += curve.ScalarSize
	delta := curve.ScalarFromBytes(row[off : off+curve.ScalarSize])
	off += curve.ScalarSize
	unlock := int64(binary.BigEndian.Uint64(row[off : off+8]))
	off += 8
	data := append([]byte(nil), row[off:]...)
	return &txmodel.ProposedUTXO{
		Recipient:  recipient,
		Amount:     amount,
		Gamma:      gamma,
		Delta:      delta,
		Data:       data,
		UnlockTime: unlock,
	}, nil
}

var errShortRow = rowError("row shorter than negotiated width")

type rowError string

func (e rowError) Error() string { return string(e) }

package payment

import (
	"math"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// Checkout metadata keys written when the hosted checkout session is created.
const (
	MetadataUserID    = "userId"
	MetadataCartItems = "cartItems"
)

// MaxQuantity bounds a single line and the merged total per product. It
// matches the width of the stock and quantity columns.
const MaxQuantity = math.MaxInt32

// DecodeLines parses the cart metadata: a JSON array of objects carrying a
// product id ("id" or "productId", string or number) and a positive
// "quantity". Unknown keys are skipped.
func DecodeLines(raw string) ([]Line, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("empty cart metadata")
	}

	var (
		lines []Line
		idx   int
	)
	d := jx.DecodeStr(raw)
	if err := d.Arr(func(d *jx.Decoder) error {
		var l Line
		if err := d.Obj(func(d *jx.Decoder, key string) error {
			switch key {
			case "id", "productId":
				id, err := decodeID(d)
				if err != nil {
					return errors.Wrapf(err, "line %d: %s", idx, key)
				}
				l.ProductID = id
			case "quantity":
				q, err := d.Int()
				if err != nil {
					return errors.Wrapf(err, "line %d: quantity", idx)
				}
				l.Quantity = q
			default:
				return d.Skip()
			}
			return nil
		}); err != nil {
			return err
		}

		if l.ProductID == "" {
			return errors.Errorf("line %d: missing product id", idx)
		}
		if l.Quantity <= 0 {
			return errors.Errorf("line %d: quantity must be greater than 0", idx)
		}
		if l.Quantity > MaxQuantity {
			return errors.Errorf("line %d: quantity %d exceeds %d", idx, l.Quantity, MaxQuantity)
		}
		lines = append(lines, l)
		idx++
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "decode cart lines")
	}

	if len(lines) == 0 {
		return nil, errors.New("cart metadata has no lines")
	}
	return lines, nil
}

func decodeID(d *jx.Decoder) (string, error) {
	switch tt := d.Next(); tt {
	case jx.String:
		return d.Str()
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return "", err
		}
		return n.String(), nil
	default:
		return "", errors.Errorf("unexpected %s", tt)
	}
}

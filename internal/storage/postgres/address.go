package postgres

import (
	"github.com/go-faster/jx"

	"github.com/xenking/marketplace/internal/domain/payment"
)

func encodeAddress(a payment.Address) []byte {
	var e jx.Encoder
	e.ObjStart()
	field := func(name, v string) {
		if v == "" {
			return
		}
		e.FieldStart(name)
		e.Str(v)
	}
	field("name", a.Name)
	field("line1", a.Line1)
	field("line2", a.Line2)
	field("city", a.City)
	field("state", a.State)
	field("postalCode", a.PostalCode)
	field("country", a.Country)
	e.ObjEnd()
	return e.Bytes()
}

func decodeAddress(data []byte) (payment.Address, error) {
	var a payment.Address
	if len(data) == 0 {
		return a, nil
	}
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		var dst *string
		switch key {
		case "name":
			dst = &a.Name
		case "line1":
			dst = &a.Line1
		case "line2":
			dst = &a.Line2
		case "city":
			dst = &a.City
		case "state":
			dst = &a.State
		case "postalCode":
			dst = &a.PostalCode
		case "country":
			dst = &a.Country
		default:
			return d.Skip()
		}
		v, err := d.Str()
		if err != nil {
			return err
		}
		*dst = v
		return nil
	})
	return a, err
}

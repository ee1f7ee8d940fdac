package main

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"

	"github.com/xenking/marketplace/internal/domain/payment"
	"github.com/xenking/marketplace/internal/domain/product"
)

func readCatalog(path string) ([]product.Product, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "open gzip")
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}
	return decodeCatalog(jx.Decode(r, 64<<10))
}

// decodeCatalog reads a JSON array of
// {"id", "title", "price", "image", "stock"} objects. Price may be a number
// or a decimal string.
func decodeCatalog(d *jx.Decoder) ([]product.Product, error) {
	var out []product.Product
	err := d.Arr(func(d *jx.Decoder) error {
		var p product.Product
		if err := d.Obj(func(d *jx.Decoder, key string) error {
			switch key {
			case "id":
				v, err := d.Str()
				p.ID = v
				return err
			case "title", "name":
				v, err := d.Str()
				p.Title = v
				return err
			case "image":
				v, err := d.Str()
				p.Image = v
				return err
			case "stock":
				v, err := d.Int()
				p.Stock = v
				return err
			case "price":
				return decodePrice(d, &p.Price)
			default:
				return d.Skip()
			}
		}); err != nil {
			return err
		}
		switch {
		case p.ID == "":
			return errors.Errorf("product #%d: missing id", len(out))
		case p.Stock < 0:
			return errors.Errorf("product %q: negative stock", p.ID)
		case p.Price.IsNegative():
			return errors.Errorf("product %q: negative price", p.ID)
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode catalog")
	}
	return out, nil
}

func decodePrice(d *jx.Decoder, dst *decimal.Decimal) error {
	var raw string
	switch d.Next() {
	case jx.String:
		v, err := d.Str()
		if err != nil {
			return err
		}
		raw = v
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return err
		}
		raw = n.String()
	default:
		return errors.New("price must be a number or string")
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return errors.Wrap(err, "parse price")
	}
	*dst = v
	return nil
}

// parseCart parses "p1:2,p2:1".
func parseCart(s string) ([]payment.Line, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var lines []payment.Line
	for _, part := range strings.Split(s, ",") {
		id, qty, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok || id == "" {
			return nil, errors.Errorf("invalid cart entry %q", part)
		}
		n, err := strconv.Atoi(qty)
		if err != nil || n <= 0 {
			return nil, errors.Errorf("invalid quantity in %q", part)
		}
		lines = append(lines, payment.Line{ProductID: id, Quantity: n})
	}
	return lines, nil
}

package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/rickgao/ibkr-data/internal/model"
	"github.com/rickgao/ibkr-data/internal/money"
)

// record resolves canonical fields of one raw JSON object through the alias
// table. Empty strings and nulls count as absent.
type record struct {
	entity  model.EntityType
	root    gjson.Result
	aliases map[string][]string
	conv    *money.Converter
	used    map[string]bool // Paths a lookup consumed
}

// lookup returns the first present alias of field. The winning path and
// the blank ones before it are consumed; later alternates are not.
func (r *record) lookup(field string) (gjson.Result, bool) {
	for _, path := range r.aliases[field] {
		v := r.root.Get(path)
		if !v.Exists() {
			continue
		}
		r.used[path] = true
		if v.Type == gjson.Null {
			continue
		}
		if v.Type == gjson.String && strings.TrimSpace(v.Str) == "" {
			continue
		}
		return v, true
	}
	return gjson.Result{}, false
}

func (r *record) fail(kind error, field string, v gjson.Result, cause error) *Error {
	return violation(kind, r.entity, field, v.Raw, cause)
}

func (r *record) missing(field string) *Error {
	return violation(ErrSchemaViolation, r.entity, field, "", errMissing)
}

func (r *record) str(field string) string {
	v, ok := r.lookup(field)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v.String())
}

func (r *record) requiredStr(field string) (string, error) {
	v, ok := r.lookup(field)
	if !ok {
		return "", r.missing(field)
	}
	switch v.Type {
	case gjson.String, gjson.Number:
		return strings.TrimSpace(v.String()), nil
	}
	return "", r.fail(ErrSchemaViolation, field, v, errNotScalar)
}

// decimal reads a number or numeric string as exact decimal text.
func (r *record) decimal(field string) (decimal.Decimal, bool, error) {
	v, ok := r.lookup(field)
	if !ok {
		return decimal.Zero, false, nil
	}
	var text string
	switch v.Type {
	case gjson.Number:
		text = v.Raw
	case gjson.String:
		text = strings.ReplaceAll(strings.TrimSpace(v.Str), ",", "")
	default:
		return decimal.Zero, false, r.fail(ErrSchemaViolation, field, v, errNotNumber)
	}
	d, err := money.ParseDecimal(text)
	if err != nil {
		return decimal.Zero, false, r.fail(ErrSchemaViolation, field, v, err)
	}
	return d, true, nil
}

// amount reads an optional monetary field denominated in currency.
func (r *record) amount(field, currency string) (*int64, error) {
	d, ok, err := r.decimal(field)
	if err != nil || !ok {
		return nil, err
	}
	scaled, err := r.conv.ToScaled(d, currency)
	if err != nil {
		if v, ok := r.lookup(field); ok {
			return nil, r.fail(kindOf(err), field, v, err)
		}
		return nil, violation(kindOf(err), r.entity, field, "", err)
	}
	return &scaled, nil
}

func (r *record) requiredAmount(field, currency string) (int64, error) {
	v, err := r.amount(field, currency)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, r.missing(field)
	}
	return *v, nil
}

// scaled reads an optional currency-free quantity.
func (r *record) scaled(field string) (*int64, error) {
	d, ok, err := r.decimal(field)
	if err != nil || !ok {
		return nil, err
	}
	s, err := money.ScaleDecimal(d)
	if err != nil {
		v, _ := r.lookup(field)
		return nil, r.fail(ErrSchemaViolation, field, v, err)
	}
	return &s, nil
}

func (r *record) requiredScaled(field string) (int64, error) {
	v, err := r.scaled(field)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, r.missing(field)
	}
	return *v, nil
}

// integer reads an optional identifier such as a contract id. Zero is
// treated as absent because the gateway reports 0 for "no underlying".
func (r *record) integer(field string) (*int64, error) {
	v, ok := r.lookup(field)
	if !ok {
		return nil, nil
	}
	var n int64
	switch v.Type {
	case gjson.Number:
		i, err := strconv.ParseInt(v.Raw, 10, 64)
		if err != nil {
			return nil, r.fail(ErrSchemaViolation, field, v, errNotInteger)
		}
		n = i
	case gjson.String:
		i, err := strconv.ParseInt(strings.TrimSpace(v.Str), 10, 64)
		if err != nil {
			return nil, r.fail(ErrSchemaViolation, field, v, errNotInteger)
		}
		n = i
	default:
		return nil, r.fail(ErrSchemaViolation, field, v, errNotInteger)
	}
	if n == 0 {
		return nil, nil
	}
	return &n, nil
}

func (r *record) requiredInteger(field string) (int64, error) {
	n, err := r.integer(field)
	if err != nil {
		return 0, err
	}
	if n == nil {
		return 0, r.missing(field)
	}
	return *n, nil
}

func (r *record) time(field string) (time.Time, bool, error) {
	v, ok := r.lookup(field)
	if !ok {
		return time.Time{}, false, nil
	}
	t, err := parseTime(v)
	if err != nil {
		return time.Time{}, false, r.fail(ErrSchemaViolation, field, v, err)
	}
	return t, true, nil
}

func (r *record) date(field string) (string, error) {
	v, ok := r.lookup(field)
	if !ok {
		return "", r.missing(field)
	}
	d, err := parseDate(v)
	if err != nil {
		return "", r.fail(ErrSchemaViolation, field, v, err)
	}
	return d, nil
}

// currency resolves the record currency, falling back to def, and rejects
// anything but the supported currency.
func (r *record) currency(def string) (string, error) {
	code := strings.ToUpper(r.str(FieldCurrency))
	if code == "" {
		code = strings.ToUpper(strings.TrimSpace(def))
	}
	if code == "" {
		return "", r.missing(FieldCurrency)
	}
	if err := r.conv.CheckCurrency(code); err != nil {
		return "", violation(ErrCurrencyViolation, r.entity, FieldCurrency, code, err)
	}
	return r.conv.Currency(), nil
}

// extras collects what no lookup consumed. A nested object whose keys were
// only partly consumed keeps the remaining keys.
func (r *record) extras() map[string]json.RawMessage {
	var out map[string]json.RawMessage
	r.root.ForEach(func(key, value gjson.Result) bool {
		raw, ok := r.residual(key.String(), value)
		if !ok {
			return true
		}
		if out == nil {
			out = make(map[string]json.RawMessage)
		}
		out[key.String()] = raw
		return true
	})
	return out
}

// residual returns the unconsumed part of value found at path, or false
// when all of it was consumed.
func (r *record) residual(path string, value gjson.Result) (json.RawMessage, bool) {
	if r.used[path] {
		return nil, false
	}
	if !value.IsObject() || !r.usedUnder(path) {
		return json.RawMessage(value.Raw), true
	}
	var b strings.Builder
	value.ForEach(func(key, v gjson.Result) bool {
		raw, ok := r.residual(path+"."+key.String(), v)
		if !ok {
			return true
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(key.Raw)
		b.WriteByte(':')
		b.Write(raw)
		return true
	})
	if b.Len() == 0 {
		return nil, false
	}
	return json.RawMessage("{" + b.String() + "}"), true
}

func (r *record) usedUnder(path string) bool {
	prefix := path + "."
	for p := range r.used {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func kindOf(err error) error {
	if err == nil {
		return nil
	}
	if isCurrency(err) {
		return ErrCurrencyViolation
	}
	return ErrSchemaViolation
}

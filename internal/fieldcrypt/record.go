package fieldcrypt

// sensitiveFields is the single source of truth for which columns are
// encrypted at rest. Adding a field here needs no schema migration, only a
// backfill pass re-writing existing plaintext rows through EncryptValue.
var sensitiveFields = map[string][]string{
	"customers": {"email", "phone", "address"},
}

func SensitiveFields(table string) []string {
	return sensitiveFields[table]
}

// EncryptRecord encrypts the sensitive columns of one row in place of their
// plaintext values. Columns not listed for the table pass through untouched.
func (c *Cipher) EncryptRecord(table string, record map[string]string) (map[string]string, error) {
	fields := sensitiveFields[table]
	if len(fields) == 0 {
		return record, nil
	}

	out := make(map[string]string, len(record))
	for k, v := range record {
		out[k] = v
	}

	for _, field := range fields {
		value, ok := out[field]
		if !ok {
			continue
		}
		encrypted, err := c.EncryptValue(value)
		if err != nil {
			return nil, err
		}
		out[field] = encrypted
	}

	return out, nil
}

// DecryptRecord is the read-path inverse of EncryptRecord. Per DecryptValue
// semantics a field that fails authentication keeps its encoded value.
func (c *Cipher) DecryptRecord(table string, record map[string]string) map[string]string {
	fields := sensitiveFields[table]
	if len(fields) == 0 {
		return record
	}

	out := make(map[string]string, len(record))
	for k, v := range record {
		out[k] = v
	}

	for _, field := range fields {
		if value, ok := out[field]; ok {
			out[field] = c.DecryptValue(value)
		}
	}

	return out
}

package tool

// String returns payload[key] as a string. A missing key yields "" unless
// required, in which case an INVALID_ARGUMENT error is returned.
func String(payload map[string]any, key string, required bool) (string, error) {
	v, ok := payload[key]
	if !ok || v == nil {
		if required {
			return "", Errorf(CodeInvalidArgument, "%s is required", key)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", Errorf(CodeInvalidArgument, "%s must be a string", key)
	}
	if required && s == "" {
		return "", Errorf(CodeInvalidArgument, "%s is required", key)
	}
	return s, nil
}

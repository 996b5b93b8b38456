package messages

// Languages is the closed set of supported language codes.
var Languages = []string{"en", "es", "fr", "de", "it", "pt", "ru", "zh", "ja", "ko"}

var languageSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(Languages))
	for _, code := range Languages {
		m[code] = struct{}{}
	}
	return m
}()

// ValidLanguage reports whether code is a supported language
func ValidLanguage(code string) bool {
	_, ok := languageSet[code]
	return ok
}

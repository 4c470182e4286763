// Package validation содержит функции валидации входных данных.
package validation

const maxReferenceLength = 64

// IsValidReference проверяет корректность торгового номера заказа.
// Допускаются латинские буквы, цифры, дефис и подчёркивание.
func IsValidReference(reference string) bool {
	if reference == "" || len(reference) > maxReferenceLength {
		return false
	}

	for _, ch := range reference {
		switch {
		case ch >= 'A' && ch <= 'Z':
		case ch >= 'a' && ch <= 'z':
		case ch >= '0' && ch <= '9':
		case ch == '-' || ch == '_':
		default:
			return false
		}
	}

	return true
}

package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"coupon-required-products/internal/requirement"
)

// supported lists the shipped translations; the first entry is the fallback.
var supported = []language.Tag{
	language.English,
	language.Spanish,
	language.French,
	language.German,
}

var matcher = language.NewMatcher(supported)

func init() {
	translations := map[language.Tag]map[string]string{
		language.Spanish: {
			requirement.MessageRequiresProducts: "Este cupón requiere productos específicos en el carrito.",
			requirement.MessageNotValid:         "Este cupón no es válido.",
		},
		language.French: {
			requirement.MessageRequiresProducts: "Ce code promo nécessite des produits spécifiques dans le panier.",
			requirement.MessageNotValid:         "Ce code promo n'est pas valide.",
		},
		language.German: {
			requirement.MessageRequiresProducts: "Dieser Gutschein erfordert bestimmte Produkte im Warenkorb.",
			requirement.MessageNotValid:         "Dieser Gutschein ist nicht gültig.",
		},
	}

	for tag, messages := range translations {
		for key, msg := range messages {
			if err := message.SetString(tag, key, msg); err != nil {
				panic(err)
			}
		}
	}
}

// Match picks the best supported language for an Accept-Language header.
func Match(acceptLanguage string) language.Tag {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return supported[0]
	}
	_, index, _ := matcher.Match(tags...)
	return supported[index]
}

// Translate renders an English message key in the caller's language.
func Translate(acceptLanguage, key string) string {
	return message.NewPrinter(Match(acceptLanguage)).Sprintf(key)
}

// ReasonMessage returns the translated user-facing text for a rejection.
func ReasonMessage(acceptLanguage string, reason requirement.Reason) string {
	return Translate(acceptLanguage, reason.Message())
}

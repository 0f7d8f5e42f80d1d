package receipt

import (
	"strings"

	"github.com/shopspring/decimal"
)

var (
	wordsUnits = []string{
		"zero", "um", "dois", "três", "quatro", "cinco", "seis", "sete", "oito", "nove",
		"dez", "onze", "doze", "treze", "quatorze", "quinze", "dezesseis", "dezessete", "dezoito", "dezenove",
	}
	wordsTens     = []string{"", "", "vinte", "trinta", "quarenta", "cinquenta", "sessenta", "setenta", "oitenta", "noventa"}
	wordsHundreds = []string{"", "cento", "duzentos", "trezentos", "quatrocentos", "quinhentos", "seiscentos", "setecentos", "oitocentos", "novecentos"}
)

// triplet spells 1..999.
func triplet(n int64) string {
	if n == 100 {
		return "cem"
	}
	var parts []string
	if h := n / 100; h > 0 {
		parts = append(parts, wordsHundreds[h])
	}
	rest := n % 100
	switch {
	case rest == 0:
	case rest < 20:
		parts = append(parts, wordsUnits[rest])
	default:
		parts = append(parts, wordsTens[rest/10])
		if u := rest % 10; u > 0 {
			parts = append(parts, wordsUnits[u])
		}
	}
	return strings.Join(parts, " e ")
}

type scale struct {
	singular, plural string
}

// index 0 is units, then thousands, millions, billions
var scales = []scale{{"", ""}, {"mil", "mil"}, {"milhão", "milhões"}, {"bilhão", "bilhões"}}

func spell(n int64) string {
	if n == 0 {
		return "zero"
	}

	var groups []int64
	for v := n; v > 0; v /= 1000 {
		groups = append(groups, v%1000)
	}

	type chunk struct {
		text  string
		value int64
	}
	var chunks []chunk
	for i := len(groups) - 1; i >= 0; i-- {
		g := groups[i]
		if g == 0 {
			continue
		}
		var text string
		switch {
		case i == 0:
			text = triplet(g)
		case i == 1 && g == 1:
			text = "mil"
		case g == 1:
			text = "um " + scales[i].singular
		default:
			text = triplet(g) + " " + scales[i].plural
		}
		chunks = append(chunks, chunk{text: text, value: g})
	}

	var b strings.Builder
	for i, c := range chunks {
		if i > 0 {
			last := i == len(chunks)-1
			if last && (c.value < 100 || c.value%100 == 0) {
				b.WriteString(" e ")
			} else {
				b.WriteString(" ")
			}
		}
		b.WriteString(c.text)
	}
	return b.String()
}

// AmountInWords spells a BRL amount in Portuguese, e.g. "cem reais e cinquenta centavos".
func AmountInWords(amount decimal.Decimal) string {
	amount = amount.Abs().Round(2)
	reais := amount.IntPart()
	centavos := amount.Sub(decimal.NewFromInt(reais)).Mul(decimal.NewFromInt(100)).IntPart()

	var parts []string
	if reais > 0 {
		unit := "reais"
		if reais == 1 {
			unit = "real"
		}
		text := spell(reais)
		if reais >= 1_000_000 && reais%1_000_000 == 0 {
			text += " de"
		}
		parts = append(parts, text+" "+unit)
	}
	if centavos > 0 {
		unit := "centavos"
		if centavos == 1 {
			unit = "centavo"
		}
		parts = append(parts, spell(centavos)+" "+unit)
	}
	if len(parts) == 0 {
		return "zero reais"
	}
	return strings.Join(parts, " e ")
}

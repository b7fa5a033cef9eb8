package quote

import "sort"

// psxSymbols maps Pakistan Stock Exchange tickers to their Yahoo symbol and
// company name.
var psxSymbols = map[string]struct{ yahoo, company string }{
	"OGDC":  {"OGDC.KA", "Oil & Gas Development Company"},
	"PPL":   {"PPL.KA", "Pakistan Petroleum Limited"},
	"PSO":   {"PSO.KA", "Pakistan State Oil"},
	"HBL":   {"HBL.KA", "Habib Bank Limited"},
	"UBL":   {"UBL.KA", "United Bank Limited"},
	"MCB":   {"MCB.KA", "MCB Bank Limited"},
	"ENGRO": {"ENGRO.KA", "Engro Corporation"},
	"FFC":   {"FFC.KA", "Fauji Fertilizer Company"},
	"LUCK":  {"LUCK.KA", "Lucky Cement"},
	"HUBC":  {"HUBC.KA", "Hub Power Company"},
	"KEL":   {"KEL.KA", "K-Electric Limited"},
	"TRG":   {"TRG.KA", "TRG Pakistan Limited"},
	"EFERT": {"EFERT.KA", "Engro Fertilizers"},
	"MARI":  {"MARI.KA", "Mari Petroleum"},
	"MEBL":  {"MEBL.KA", "Meezan Bank"},
	"BAFL":  {"BAFL.KA", "Bank Alfalah"},
	"NBP":   {"NBP.KA", "National Bank of Pakistan"},
	"SNGP":  {"SNGP.KA", "Sui Northern Gas"},
	"SSGC":  {"SSGC.KA", "Sui Southern Gas"},
	"MLCF":  {"MLCF.KA", "Maple Leaf Cement"},
}

// YahooSymbol returns the upstream symbol for a listed ticker, or the
// ticker itself when it is not a known PSX listing.
func YahooSymbol(symbol string) string {
	if s, ok := psxSymbols[symbol]; ok {
		return s.yahoo
	}
	return symbol
}

// CompanyName returns the company behind a listed ticker, or the ticker.
func CompanyName(symbol string) string {
	if s, ok := psxSymbols[symbol]; ok {
		return s.company
	}
	return symbol
}

// Listed returns the known tickers in alphabetical order.
func Listed() []string {
	out := make([]string, 0, len(psxSymbols))
	for sym := range psxSymbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

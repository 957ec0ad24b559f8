package chat

import (
	"encoding/json"
	"strings"

	"github.com/sentience-labs/warden/pkg/textfold"
)

// IntentKind is the closed set of tool intents a message can carry.
type IntentKind string

const (
	IntentSend    IntentKind = "send"
	IntentSwap    IntentKind = "swap"
	IntentDeploy  IntentKind = "deploy"
	IntentBalance IntentKind = "balance"
	IntentNone    IntentKind = "none"
)

// SendIntent transfers value to an address.
type SendIntent struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
	Token  string `json:"token"`
}

// SwapIntent exchanges one token for another.
type SwapIntent struct {
	FromToken string `json:"fromToken"`
	ToToken   string `json:"toToken"`
	Amount    string `json:"amount"`
}

// DeployIntent deploys a contract from a named template.
type DeployIntent struct {
	Template string `json:"template"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
}

// BalanceIntent queries a balance; the token is optional.
type BalanceIntent struct {
	Token string `json:"token"`
}

// Intent is a tagged union: exactly the variant named by Kind is set.
type Intent struct {
	Kind    IntentKind
	Send    *SendIntent
	Swap    *SwapIntent
	Deploy  *DeployIntent
	Balance *BalanceIntent
}

// rawIntent is the wire shape the extraction model must emit.
type rawIntent struct {
	Intent    string `json:"intent"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	FromToken string `json:"fromToken"`
	ToToken   string `json:"toToken"`
	Template  string `json:"template"`
	Name      string `json:"name"`
	Symbol    string `json:"symbol"`
}

// parseIntent decodes the extraction model's JSON into the tagged union and
// reports which required fields are absent. Fields are taken literally;
// nothing is inferred or defaulted. Output that is not valid JSON, or names
// an unknown intent, is treated as none.
func parseIntent(output string) (Intent, []string) {
	output = strings.TrimSpace(stripCodeFence(output))

	var raw rawIntent
	if err := json.Unmarshal([]byte(output), &raw); err != nil {
		return Intent{Kind: IntentNone}, nil
	}

	switch IntentKind(textfold.FoldLower(raw.Intent)) {
	case IntentSend:
		missing := missingFields(map[string]string{"to": raw.To, "amount": raw.Amount, "token": raw.Token})
		if len(missing) > 0 {
			return Intent{Kind: IntentSend}, missing
		}
		return Intent{Kind: IntentSend, Send: &SendIntent{To: raw.To, Amount: raw.Amount, Token: raw.Token}}, nil
	case IntentSwap:
		missing := missingFields(map[string]string{"fromToken": raw.FromToken, "toToken": raw.ToToken, "amount": raw.Amount})
		if len(missing) > 0 {
			return Intent{Kind: IntentSwap}, missing
		}
		return Intent{Kind: IntentSwap, Swap: &SwapIntent{FromToken: raw.FromToken, ToToken: raw.ToToken, Amount: raw.Amount}}, nil
	case IntentDeploy:
		missing := missingFields(map[string]string{"template": raw.Template, "name": raw.Name, "symbol": raw.Symbol})
		if len(missing) > 0 {
			return Intent{Kind: IntentDeploy}, missing
		}
		return Intent{Kind: IntentDeploy, Deploy: &DeployIntent{Template: raw.Template, Name: raw.Name, Symbol: raw.Symbol}}, nil
	case IntentBalance:
		return Intent{Kind: IntentBalance, Balance: &BalanceIntent{Token: raw.Token}}, nil
	default:
		return Intent{Kind: IntentNone}, nil
	}
}

// missingFields returns the names of empty required fields, in stable order.
func missingFields(fields map[string]string) []string {
	order := []string{"to", "amount", "token", "fromToken", "toToken", "template", "name", "symbol"}
	var missing []string
	for _, name := range order {
		value, relevant := fields[name]
		if relevant && strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// stripCodeFence unwraps a ```json ... ``` fence if the model added one.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return s
}

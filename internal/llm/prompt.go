package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

const systemPrompt = "You are a financial transaction analyzer. Extract the merchant name from " +
	"bank statement descriptions and provide a canonical merchant name (lowercase, no spaces). " +
	"You MUST respond with ONLY a valid JSON object."

// buildPrompt renders the user prompt for one transaction.
func buildPrompt(req MerchantRequest) string {
	var sb strings.Builder
	sb.WriteString("Extract the merchant from this transaction description and return JSON:\n\n")
	sb.WriteString("Transaction:\n")
	fmt.Fprintf(&sb, "- Description: %q\n", req.Description)
	if req.CleanMerchant != "" {
		fmt.Fprintf(&sb, "- Cleaned text: %q\n", req.CleanMerchant)
	}
	fmt.Fprintf(&sb, "- Amount: %s\n", req.Amount.StringFixed(2))
	if !req.Date.IsZero() {
		fmt.Fprintf(&sb, "- Date: %s\n", req.Date.Format("2006-01-02"))
	}
	sb.WriteString(`
Return JSON with this exact structure:
{
  "merchant": "canonical_merchant_name",
  "category": "category-slug",
  "confidence": 0.95,
  "reasoning": "Why you chose this merchant"
}

Rules:
1. merchant should be lowercase, no spaces (use underscore)
2. confidence is 0.0-1.0 (how sure you are)
3. Payment processors (CLIP, MERCADOPAGO, PAYPAL, SQ *) are never the merchant
4. If unknown, use "unknown_merchant" with low confidence
5. Be consistent: "STARBUCKS #1234" -> "starbucks"

Examples:
- "STARBUCKS #1234 POLANCO" -> {"merchant": "starbucks", "category": "coffee", "confidence": 0.98}
- "AMAZON MKTPLACE" -> {"merchant": "amazon", "category": "shopping", "confidence": 0.95}
- "SQ *COFFEE SHOP" -> {"merchant": "unknown_merchant", "confidence": 0.30}

Now extract the merchant from the transaction above:`)
	return sb.String()
}

// parseSuggestion decodes a model answer into a suggestion.
func parseSuggestion(content string) (MerchantSuggestion, error) {
	var s MerchantSuggestion
	if err := json.Unmarshal([]byte(cleanMarkdownWrapper(content)), &s); err != nil {
		return MerchantSuggestion{}, fmt.Errorf("failed to parse JSON response: %w", err)
	}
	s.Merchant = strings.TrimSpace(strings.ToLower(s.Merchant))
	if s.Merchant == "" {
		return MerchantSuggestion{}, ErrNoSuggestion
	}
	if s.Confidence < 0 {
		s.Confidence = 0
	}
	if s.Confidence > 1 {
		s.Confidence = 1
	}
	return s, nil
}

// cleanMarkdownWrapper strips code fences and any text around the outermost
// JSON object.
func cleanMarkdownWrapper(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return strings.TrimSpace(content)
}

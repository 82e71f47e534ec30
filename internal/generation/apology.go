package generation

import "strings"

// Fallback categories, checked in this order.
const (
	CategoryAnxiety    = "anxiety_support"
	CategoryAcademic   = "academic_stress"
	CategoryGreeting   = "greeting"
	CategorySupportive = "supportive"
	CategoryGeneral    = "general_support"
)

const apologyPrefix = "I'm sorry, I'm having trouble finding the right words at the moment. "

var categoryKeywords = []struct {
	category string
	keywords []string
}{
	{CategoryAnxiety, []string{"anxious", "anxiety", "panic", "worried", "stress", "overwhelmed", "can't breathe", "heart racing", "nervous"}},
	{CategoryAcademic, []string{"exam", "test", "grade", "study", "college", "university", "assignment", "homework", "professor", "class"}},
	{CategoryGreeting, []string{"hello", "hi", "hey", "good morning", "good afternoon", "good evening", "how are you"}},
}

func defaultFallbacks() map[string]string {
	return map[string]string{
		CategoryAnxiety:    "Anxiety can feel overwhelming, and talking about it is a good step. A few slow breaths or naming five things you can see can sometimes take the edge off. What's one small thing you could do for yourself today?",
		CategoryAcademic:   "Academic pressure is really common, and your worth isn't measured by your grades. What's the most stressful part of your coursework right now?",
		CategoryGreeting:   "I'm still here with you. How are you feeling today?",
		CategorySupportive: "What you're going through sounds hard, and your feelings are valid. If things feel heavier than usual, your campus counseling center and the 988 Lifeline are there any time.",
		CategoryGeneral:    "Thank you for sharing that with me. I'm here to listen. Could you tell me a little more about what's on your mind?",
	}
}

// Categorize picks a fallback category for a user message. Elevated risk
// always uses the supportive reply.
func Categorize(text string, elevated bool) string {
	if elevated {
		return CategorySupportive
	}
	lower := strings.ToLower(text)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && r != '\''
	})
	for _, group := range categoryKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(kw, " ") {
				if strings.Contains(lower, kw) {
					return group.category
				}
				continue
			}
			for _, w := range words {
				if w == kw || (len(kw) > 3 && strings.HasPrefix(w, kw)) {
					return group.category
				}
			}
		}
	}
	return CategoryGeneral
}

// FallbackReply is the deterministic apology used when the model cannot answer.
func (p *Persona) FallbackReply(userText string, elevated bool) string {
	category := Categorize(userText, elevated)
	body, ok := p.Fallbacks[category]
	if !ok || strings.TrimSpace(body) == "" {
		body = defaultFallbacks()[category]
	}
	return apologyPrefix + body
}

package exchange

import "github.com/odvcencio/sparkbridge/pkg/browser"

// Selectors locates the chat surfaces the protocol touches.
type Selectors struct {
	Prompt     browser.Query
	SendButton browser.Query
	// Pulse is the generating animation.
	Pulse browser.Query
	// Thinking matches textual progress indicators.
	Thinking browser.Query
	// CopyButton is the per-answer copy affordance; one appears per completed answer.
	CopyButton      browser.Query
	ResponseContent browser.Query
	ResponseMessage browser.Query
}

// DefaultSelectors matches the Spark AI chat page.
func DefaultSelectors() Selectors {
	return Selectors{
		Prompt:          browser.CSS(`textarea[name="prompt"]`),
		SendButton:      browser.CSS(`#send-button`),
		Pulse:           browser.CSS(`div[class*='animate-pulse']`),
		Thinking:        browser.XPath(`//div[contains(text(),'thinking') or contains(text(),'generating') or contains(text(),'processing')]`),
		CopyButton:      browser.XPath(`//button[contains(@class,'copy-button') or contains(@aria-label,'Copy') or .//div[contains(@class,'sr-only') and normalize-space(text())='Copy message']]`),
		ResponseContent: browser.CSS(`div.chat-message:not(.user) div.content`),
		ResponseMessage: browser.CSS(`div.chat-message:not(.user)`),
	}
}

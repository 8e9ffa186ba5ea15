package auth

import "github.com/odvcencio/sparkbridge/pkg/browser"

// Selectors locates the login surfaces of the SSO provider.
type Selectors struct {
	// Marker is present only on an authenticated chat page.
	Marker browser.Query

	Identifier    browser.Query
	Next          browser.Query
	Passcode      browser.Query
	Verify        browser.Query
	GenericUser   browser.Query
	Password      browser.Query
	GenericSubmit []browser.Query

	ChallengeList browser.Query
	PushButton    browser.Query
	MethodButtons browser.Query
	SwitchMethod  browser.Query
}

// DefaultSelectors matches the University of Melbourne Okta and Duo pages.
func DefaultSelectors() Selectors {
	return Selectors{
		Marker:      browser.CSS(`textarea[name="prompt"]`),
		Identifier:  browser.CSS(`input[name="identifier"]`),
		Next:        browser.CSS(`input.button-primary[value='Next']`),
		Passcode:    browser.CSS(`input[name="credentials.passcode"]`),
		Verify:      browser.CSS(`input[type='submit'][value='Verify']`),
		GenericUser: browser.XPath(`//input[@type='text' or @type='email' or contains(@name,'user') or contains(@id,'user')]`),
		Password:    browser.XPath(`//input[@type='password']`),
		GenericSubmit: []browser.Query{
			browser.XPath(`//button[contains(., 'Log') or contains(., 'Sign') or contains(@type, 'submit')]`),
			browser.XPath(`//input[@type='submit' or contains(@value, 'Log') or contains(@value, 'Sign')]`),
		},
		ChallengeList: browser.CSS(`.authenticator-verify-list`),
		PushButton:    browser.XPath(`//h3[contains(text(),'Get a push notification')]/../..//a[contains(@class,'button')]`),
		MethodButtons: browser.XPath(`//div[contains(@class,'authenticator-button')]//a[contains(@class,'button')]`),
		SwitchMethod:  browser.XPath(`//a[contains(text(),'Choose another') or contains(text(),'different method')]`),
	}
}

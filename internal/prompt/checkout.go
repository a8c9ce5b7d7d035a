package prompt

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
	"github.com/JakeFAU/checkout-crawler/internal/profile"
)

const checkoutIntro = `Navigate to checkout and fill in all the form fields. This part is complete once all the information is accepted and the form has been submitted.

# FROM CART OVERVIEW TO CHECKOUT
- Search for buttons to continue to checkout (search for options such as 'Process Order', 'Continue to payment')

# PROCEED AS GUEST OR CREATE NEW ACCOUNT
- If possible, try to proceed as guest (search for options such as 'Continue as guest', 'Order as guest', 'I am a new customer', 'Are you new here?' or 'New here?')
- As a second resort, create a new account.
- In any case, do not try to login to an existing account as this will not work

# USER DATA
Use the following profile for user data. Improvise data if there are other fields or the form does not submit.

`

const checkoutOutro = `

The task is complete if the form has been submitted. If the payment is processing or has failed, the task is still considered to be completed.`

var genericCheckout = template.Must(template.New("generic").Parse(checkoutIntro +
	`- Gender: {{.General.Gender}} (verify that the option has been selected in the image and do not click the option if it has been selected in the image)
- First Name: {{.General.FirstName}}
- Last Name: {{.General.LastName}}
- Email address: {{.Email}}
- Password: {{.General.Password}}
- Country Code: {{.Regional.CountryCode}}
- Phone Number: {{.Regional.LocalFormat}}
- Country Code + Phone Number: {{.Regional.InternationalFormat}}
- Date of birth: {{.General.DateOfBirth}} (use the format the website requires, typing in the date might require entering day, month and year one by one)

- Street: {{.Regional.Street}}
- House Number: {{.Regional.HouseNumber}}
- Address: {{.Regional.Address}}
- ZIP Code: {{.Regional.ZipCode}}
- City: {{.Regional.City}}
- Province: {{.Regional.Province}}
- Country: {{.Regional.Country}}

# PAYMENT INFORMATION
For payment options, choose {{.Regional.PaymentOptions}}. For credit card, use the following information:
- Card number: {{.General.CreditCardNumber}}
- Expiry Month: {{.General.CreditCardExpiryMonth}}
- Expiry Year: {{.General.CreditCardExpiryYear}}
- CVV: {{.General.CreditCardCVV}}
- Card Holder: {{.General.CardHolder}}

# IMPORTANT RULES
- Choose the standard delivery option.
- Sometimes you have to click the dropdown menu first before you can see and select an option.
- Do not click radio buttons more than once, since one click is enough for selection
- If you combine the country code and phone number, do not write the first 0 of the phone number.
- Not all of the provided user data is required in every form, you do not have to look for all of them to submit the form
- In some cases credit card fields only appear once you click on the "Continue to Payment" button, scrolling down more does not help
- When you think that all the fields have been filled correctly, search for a continue button (search for options such as "Continue" or "Continue to payment")` +
	checkoutOutro))

var platformCheckout = template.Must(template.New("platformSpecific").Parse(checkoutIntro +
	`- Email address: {{.Email}}
- Country: {{.Regional.Country}}
- First Name: {{.General.FirstName}}
- Last Name: {{.General.LastName}}
- Address: {{.Regional.Address}}
- ZIP Code: {{.Regional.ZipCode}}
- City: {{.Regional.City}}
- Province: {{.Regional.Province}}
- Phone Number: {{.InternationalPhone}}

# PAYMENT INFORMATION
For payment options, choose credit card. Use the following information:
- Card number: {{.General.CreditCardNumber}}
- Expiry Date: {{.General.CreditCardExpiryMonth}}/{{.General.CreditCardExpiryYear}}
- Security Code: {{.General.CreditCardCVV}}
- Name on card: {{.General.CardHolder}}

# IMPORTANT RULES
- Choose the standard delivery option.
- Sometimes you have to click the dropdown menu first before you can see and select an option.
- Do not click radio buttons more than once, since one click is enough for selection
- The interactive elements from the top layer of the current page inside the viewport show many options for the Expiry Date and Security Code fields, only interact with the ones that correspond to the index shown in the image.
- Only click checkboxes related to 'terms and conditions'.
- Ignore <button type='submit'>Continue /> in any language.
- Ignore <select phone_country_select;Country/Region>
- When you think that all the fields have been filled correctly, search for a submit button (search for options such as "Continue to Payment" or "Review Order"). This button should be visible in the image and at the bottom of the page.` +
	checkoutOutro))

// CheckoutDirective renders the checkout part of the instruction for a variant.
func CheckoutDirective(variant crawler.CheckoutVariant, shopper profile.Shopper) (string, error) {
	tmpl := genericCheckout
	switch variant {
	case crawler.CheckoutGeneric:
	case crawler.CheckoutPlatformSpecific:
		tmpl = platformCheckout
	default:
		return "", fmt.Errorf("unknown checkout variant %q: %w", variant, crawler.ErrConfig)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, shopper); err != nil {
		return "", fmt.Errorf("render %s checkout: %w", variant, err)
	}
	return b.String(), nil
}

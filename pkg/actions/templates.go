package actions

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/twilio/twilio-go/twiml"

	"github.com/sonoria/voice-relay/pkg/orgconfig"
)

func portalLink(frontendURL, path, orgID string) string {
	return fmt.Sprintf("%s/%s?org=%s", strings.TrimRight(frontendURL, "/"), path, url.QueryEscape(orgID))
}

// BookingMessage is the SMS body carrying the booking portal link.
func BookingMessage(org orgconfig.Config, frontendURL string) string {
	return fmt.Sprintf("Hi this is %s from %s. Here's the link to book your appointment easily:\n%s\n"+
		"Let me know if you need anything, I'm happy to help.",
		org.AssistantName, org.OrganizationName, portalLink(frontendURL, "booking-portal", org.OrganizationID))
}

// RescheduleMessage is the SMS body carrying the customer portal link for
// rescheduling.
func RescheduleMessage(org orgconfig.Config, frontendURL string) string {
	return fmt.Sprintf("Hi this is %s from %s. Here's the link to reschedule your appointment easily:\n%s\n"+
		"Let me know if you need anything, I'm happy to help.",
		org.AssistantName, org.OrganizationName, portalLink(frontendURL, "customer-portal", org.OrganizationID))
}

// CancelMessage is the SMS body carrying the customer portal link for
// cancellation.
func CancelMessage(org orgconfig.Config, frontendURL string) string {
	return fmt.Sprintf("Hi this is %s from %s. Here's the link to cancel your appointment:\n%s\n"+
		"You can easily manage your booking there. Let me know if you need any help!",
		org.AssistantName, org.OrganizationName, portalLink(frontendURL, "customer-portal", org.OrganizationID))
}

// OwnerNotice is the SMS forwarded to the organization's fallback contact.
func OwnerNotice(caller, reason string) string {
	return fmt.Sprintf("Customer message from %s: %s", caller, reason)
}

// DialTwiML renders <Response><Dial>number</Dial></Response>.
func DialTwiML(number string) (string, error) {
	doc, err := twiml.Voice([]twiml.Element{&twiml.VoiceDial{Number: number}})
	if err != nil {
		return "", fmt.Errorf("render dial twiml: %w", err)
	}
	return doc, nil
}

package analysis

import (
	"fmt"
	"strings"
)

// ChatMessage is one entry of a chat-completion conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const systemPromptTemplate = `You analyse messages sent by a guest to the host of a rental property.

Classify the latest guest message into exactly one category:

1. KNOWN ANSWER: the requested information is explicitly present in the property instructions below, or the message is a greeting or thanks.
   isEmergency=false, emergencyType=%[1]q, unknownResponse=false.
2. MISSING INFORMATION: the requested information appears nowhere in the property instructions, even indirectly. Do not rely on common sense.
   isEmergency=true, emergencyType=%[2]q, unknownResponse=true.
3. PROBLEM: the guest is unhappy or reports a problem with the property.
   isEmergency=true and emergencyType is one of %[3]q (unhappy guest), %[4]q (problem with the property), %[5]q (water leak, heating failure and similar).

PROPERTY INSTRUCTIONS:
%[6]s

Answer with a single JSON object and nothing else:
{
  "isEmergency": boolean,
  "emergencyType": string | null,
  "confidence": number between 0 and 1,
  "unknownResponse": boolean,
  "explanation": string,
  "suggestedResponse": string | null
}`

const noInstructions = "No property information is available. Any question about property details is MISSING INFORMATION."

// BuildSystemPrompt renders the classification prompt for a property.
func BuildSystemPrompt(instructions string) string {
	instructions = strings.TrimSpace(instructions)
	if instructions == "" {
		instructions = noInstructions
	}
	return fmt.Sprintf(systemPromptTemplate,
		TypeKnownAnswer, TypeUncertain, TypeUnhappyGuest, TypePropertyIssue, TypeCritical, instructions)
}

// BuildMessages returns the system prompt followed by the guest message.
func BuildMessages(instructions, guestMessage string) []ChatMessage {
	return []ChatMessage{
		{Role: "system", Content: BuildSystemPrompt(instructions)},
		{Role: "user", Content: guestMessage},
	}
}

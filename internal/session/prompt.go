package session

import "strings"

// MemoryPlaceholder marks where prior-session memory is spliced into the
// persona instructions.
const MemoryPlaceholder = "{{MEMORY_CONTEXT}}"

// DefaultMemoryFallback is used in place of the placeholder when the user has
// no stored memory.
const DefaultMemoryFallback = "No earlier conversations. This is the first meeting, start fresh."

// DefaultInstructions is the persona used when none is configured.
const DefaultInstructions = `Role: you are "KooJai", a warm and kind companion who listens.
The person talking to you is a teenage student.

What you remember from earlier conversations:
{{MEMORY_CONTEXT}}

Talk like a friend, not like a counsellor. Do not end every sentence with
"anything else?". Let your voice follow the mood of the story. If you remember
something from last time, open by asking about it naturally.

Safety: if the student mentions suicide or self-harm, become serious at once
and encourage them to tell a trusted adult.`

// BuildInstructions splices memory into persona. Empty memory is replaced by
// fallback. A persona without the placeholder is returned unchanged.
func BuildInstructions(persona, memory, fallback string) string {
	memory = strings.TrimSpace(memory)
	if memory == "" {
		memory = fallback
	}
	return strings.Replace(persona, MemoryPlaceholder, memory, 1)
}

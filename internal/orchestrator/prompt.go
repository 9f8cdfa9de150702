package orchestrator

// decompositionPrompt is filled with the capability list, the conversation
// so far and the request.
const decompositionPrompt = `Break this user request into the smallest set of steps that answers it.
Most requests need exactly one step. Only split when parts need different capabilities
or one part needs the result of another.

Available capabilities:
%s

Conversation so far:
%s

User request:
%s

Return ONLY a JSON array with this exact structure (no other text):
[
  {
    "id": "t1",
    "description": "What this step must produce",
    "capability": "name from the list above, or empty",
    "depends_on": ["ids of steps whose results this step needs"]
  }
]

Guidelines:
- ids are short and unique ("t1", "t2", ...)
- Leave capability empty when no listed capability fits
- Use an empty array for depends_on when a step needs no earlier result
- Steps without dependencies between them run in parallel`

// synthesisPrompt is filled with the conversation so far, the request and
// the step results.
const synthesisPrompt = `Write the final answer to the user's request using the step results below.
Answer the user directly; do not mention steps, capabilities or internal ids.
If a step failed, answer as well as possible without it and say briefly what could not be done.

Conversation so far:
%s

User request:
%s

Step results:
%s`

package session

// DefaultSystemInstruction is the assistant persona used when none is
// configured.
const DefaultSystemInstruction = "Eres un asistente médico amigable y servicial llamado PacientIA. Responde de manera concisa y clara en español."

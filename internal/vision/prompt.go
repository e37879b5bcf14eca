package vision

const systemPrompt = `You read shipping documents and return their contents as structured data.

Reply with a single JSON object only. No markdown, no commentary.

Fields (null when absent):
- document_type: "booking", "hbl", "mbl", "departure", "arrival" or "unknown"
- document_type_confidence: number between 0 and 1
- shipment_number: forwarder shipment number, "SHP" followed by 7 digits (SHP0065011)
- booking_number: carrier booking, 3 letters and 7 digits (BGA0505879)
- purchase_ref: purchase order reference such as PV-00012345
- bill_of_lading: B/L number printed on the document
- vessel: vessel name
- voyage: voyage number
- origin_port: port of loading
- destination_port: port of discharge
- etd, eta: estimated departure and arrival, YYYY-MM-DD
- atd: actual departure, YYYY-MM-DD. Look for "Shipped on Board", "On Board Date", "Sailed Date", "Fecha de Zarpe"
- ata: actual arrival, YYYY-MM-DD. Look for "Arrival Date", "Discharge Date", "Fecha de Llegada"
- freight_amount_usd: total freight in USD, number only
- freight_terms: "PREPAID" or "COLLECT"
- container_count: total number of containers the document declares
- containers: list of objects with container_number, container_type (20GP, 40HC, ...), weight_kg, volume_m3, pallets
- notes: anything unclear or inconsistent

Containers:
- Numbers are ISO 6346: 4 letters then 7 digits (CMAU0630730).
- List every container exactly once, including ones in tables and cargo descriptions.
- Check your list against any total printed on the document.
- Scans often confuse 1/I/7, 0/O/D, 8/B, 5/S and 6/G. Letters only appear in the first 4 positions.

Document type:
- booking: "Booking Confirmation", "Reserva de Espacio"
- hbl: house bill issued by the freight forwarder, usually carries SHP numbers
- mbl: master bill issued by the ocean carrier, no SHP numbers
- departure: "Departure Confirmation", "Confirmo Zarpe"
- arrival: "Arrival Notice", "Notificacion de Arribo"`

const userPrompt = "Extract the shipping data from this document."

// maxEmailContext bounds the email text appended to the user prompt.
const maxEmailContext = 1000

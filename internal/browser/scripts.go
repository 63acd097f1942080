package browser

// observeScript tags every interactive element with a stable key attribute
// and returns the page title, body text and the element listing. Keys are
// drawn from a per-document counter so an element keeps its key across
// observations.
const observeScript = `(args) => {
	const {limit, attr} = args;
	window.__apSeq = window.__apSeq || 0;
	const implicitRole = (el) => {
		const explicit = el.getAttribute("role");
		if (explicit) return explicit;
		const tag = el.tagName.toLowerCase();
		const type = (el.getAttribute("type") || "").toLowerCase();
		switch (tag) {
			case "a": return el.hasAttribute("href") ? "link" : "generic";
			case "button": return "button";
			case "select": return "combobox";
			case "textarea": return "textbox";
			case "h1": case "h2": case "h3": case "h4": case "h5": case "h6": return "heading";
			case "img": return "img";
			case "input":
				if (type === "search") return "searchbox";
				if (type === "checkbox") return "checkbox";
				if (type === "radio") return "radio";
				if (type === "submit" || type === "button" || type === "reset") return "button";
				return "textbox";
		}
		return tag;
	};
	const accessibleName = (el) => {
		const aria = el.getAttribute("aria-label");
		if (aria) return aria.trim();
		const by = el.getAttribute("aria-labelledby");
		if (by) {
			const ref = document.getElementById(by);
			if (ref) return (ref.innerText || "").trim();
		}
		if (el.id) {
			const label = document.querySelector("label[for=\"" + CSS.escape(el.id) + "\"]");
			if (label) return (label.innerText || "").trim();
		}
		const wrapping = el.closest("label");
		if (wrapping) return (wrapping.innerText || "").trim();
		const alt = el.getAttribute("alt") || el.getAttribute("title") || el.getAttribute("placeholder");
		if (alt) return alt.trim();
		const tag = el.tagName.toLowerCase();
		if (tag === "input" || tag === "textarea" || tag === "select") return "";
		return (el.innerText || el.textContent || "").trim().split("\n")[0].slice(0, 80);
	};
	const selectorFor = (el) => {
		if (el.id) return "#" + CSS.escape(el.id);
		const testId = el.getAttribute("data-testid");
		if (testId) return "[data-testid=\"" + testId + "\"]";
		const name = el.getAttribute("name");
		if (name) return el.tagName.toLowerCase() + "[name=\"" + name + "\"]";
		return "";
	};

	const pick = [];
	const collect = (root) => {
		if (!root || pick.length >= limit) return;
		let nodes = [];
		try {
			nodes = root.querySelectorAll("a,button,input,select,textarea,h1,h2,h3,[role],[tabindex],[data-testid],[onclick]");
		} catch (e) {
			return;
		}
		for (const el of nodes) {
			if (pick.length >= limit) break;
			const rect = el.getBoundingClientRect();
			if (rect.width === 0 && rect.height === 0) continue;
			let key = el.getAttribute(attr);
			if (!key) {
				window.__apSeq += 1;
				key = "k" + window.__apSeq;
				el.setAttribute(attr, key);
			}
			const attrs = ["type", "placeholder", "data-testid", "href"]
				.filter(a => el.getAttribute(a))
				.map(a => a + ":" + el.getAttribute(a).slice(0, 60))
				.join("|");
			const text = (el.innerText || el.textContent || el.value || "").trim().replace(/\s+/g, " ").slice(0, 120);
			pick.push({
				key,
				role: implicitRole(el),
				name: accessibleName(el),
				text,
				attr: attrs,
				bbox: [Math.round(rect.x), Math.round(rect.y), Math.round(rect.width), Math.round(rect.height)].join(","),
				selector: selectorFor(el),
			});
			if (el.shadowRoot) collect(el.shadowRoot);
		}
	};
	// Open shadow roots are walked; iframes are not, since key lookups on the
	// main frame cannot reach them.
	collect(document);
	const visible = document.body ? (document.body.innerText || "") : "";
	return {title: document.title || "", visible: visible.slice(0, 4000), elements: pick};
}`

// describeScript runs over every element a locator matched. It assigns keys
// to elements seen for the first time and reports key, role, name and text.
const describeScript = `(els, attr) => {
	window.__apSeq = window.__apSeq || 0;
	return els.map(el => {
		let key = el.getAttribute(attr);
		if (!key) {
			window.__apSeq += 1;
			key = "k" + window.__apSeq;
			el.setAttribute(attr, key);
		}
		const role = el.getAttribute("role") || el.tagName.toLowerCase();
		const name = (el.getAttribute("aria-label") || el.getAttribute("placeholder") || el.getAttribute("title") || "").trim();
		const text = (el.innerText || el.textContent || el.value || "").trim().replace(/\s+/g, " ").slice(0, 120);
		return {key, role, name, text};
	});
}`

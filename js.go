package framewalk

import (
	_ "embed"
)

var (
	// xpathJS defines __framewalkXPath, the injected XPath builder. Its
	// output must match the Go walker's xpaths exactly; both emit id
	// shortcuts and 1-based like-named sibling indices.
	//go:embed js/xpath.js
	xpathJS string

	// scrollablesJS is the one-shot probe that returns the XPaths of
	// genuinely scrollable elements, largest scrollHeight first.
	//go:embed js/scrollables.js
	scrollablesJS string

	// collectBoxesJS installs __framewalkCollectBoxes, the batched
	// bounding-box collector, once per (session, execution context).
	//go:embed js/collectboxes.js
	collectBoxesJS string
)

// evaluateXPathJS yields the first node matching an XPath. Used with
// Runtime.evaluate during stale-element recovery and scrollable-probe
// resolution; the result is consumed as a remote object id.
const evaluateXPathJS = `document.evaluate(%s, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue`

// scrollToPercentageJS scrolls an element (or the scrolling root when the
// element is the document) to a vertical percentage, resolving when the
// position has been stable for three consecutive frames.
const scrollToPercentageJS = `function(pct) {
	const el = this === document || this === document.documentElement || this === document.body
		? (document.scrollingElement || document.documentElement)
		: this;
	const top = (el.scrollHeight - el.clientHeight) * (pct / 100);
	el.scrollTo({ top, behavior: "smooth" });
	return new Promise((resolve) => {
		let last = el.scrollTop, still = 0;
		const tick = () => {
			const cur = el.scrollTop;
			if (Math.abs(cur - last) < 1) {
				if (++still >= 3) return resolve(cur);
			} else {
				still = 0;
			}
			last = cur;
			requestAnimationFrame(tick);
		};
		requestAnimationFrame(tick);
	});
}`

// chunkScrollJS scrolls the nearest scrollable ancestor of an element (or
// the document) by one viewport height; direction is +1 or -1.
const chunkScrollJS = `function(direction) {
	const scrollable = (el) => {
		if (!el || el === document.documentElement || el === document.body) return null;
		const s = getComputedStyle(el);
		if (/(auto|scroll|overlay)/.test(s.overflowY) && el.scrollHeight > el.clientHeight) return el;
		return scrollable(el.parentElement);
	};
	const target = scrollable(this) || document.scrollingElement || document.documentElement;
	const delta = direction * target.clientHeight;
	target.scrollBy({ top: delta, behavior: "smooth" });
	return target.scrollTop;
}`

// fillJS sets an input-like element's value and fires input and change so
// framework listeners observe the edit.
const fillJS = `function(value) {
	this.focus();
	const proto = this instanceof HTMLTextAreaElement
		? HTMLTextAreaElement.prototype
		: HTMLInputElement.prototype;
	const desc = Object.getOwnPropertyDescriptor(proto, "value");
	if (desc && desc.set) {
		desc.set.call(this, value);
	} else {
		this.value = value;
	}
	this.dispatchEvent(new Event("input", { bubbles: true }));
	this.dispatchEvent(new Event("change", { bubbles: true }));
}`

// selectOptionJS searches this.options for a match by value then by text,
// selects it and fires change. Returns true when an option matched.
const selectOptionJS = `function(wanted) {
	if (!this.options) return false;
	let hit = null;
	for (const opt of this.options) {
		if (opt.value === wanted) { hit = opt; break; }
	}
	if (!hit) {
		for (const opt of this.options) {
			if (opt.text.trim() === wanted.trim()) { hit = opt; break; }
		}
	}
	if (!hit) return false;
	hit.selected = true;
	this.dispatchEvent(new Event("change", { bubbles: true }));
	return true;
}`

// setCheckedJS sets a checkbox/radio state and fires change and input.
const setCheckedJS = `function(checked) {
	if (this.checked !== checked) {
		this.checked = checked;
		this.dispatchEvent(new Event("change", { bubbles: true }));
		this.dispatchEvent(new Event("input", { bubbles: true }));
	}
}`

// focusJS focuses the element before keyboard input.
const focusJS = `function() { this.focus(); }`
